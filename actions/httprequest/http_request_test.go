package httprequest_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xerilium/catalyst/actions/httprequest"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/action"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

func fastBackoff(int) time.Duration { return time.Millisecond }

func TestExecute_JSONResponseAndExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.Equal(t, "main", r.URL.Query().Get("branch"))
		body, _ := io.ReadAll(r.Body)
		var in map[string]any
		assert.NoError(t, json.Unmarshal(body, &in))
		assert.Equal(t, "release", in["title"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pull":{"url":"https://example.test/pr/7","state":"open"}}`))
	}))
	defer srv.Close()

	out := httprequest.NewWithBackoff(fastBackoff).Execute(context.Background(), map[string]any{
		"url":     srv.URL + "/pulls",
		"method":  "POST",
		"headers": map[string]any{"Authorization": "Bearer abc"},
		"query":   map[string]any{"branch": "main"},
		"body":    map[string]any{"title": "release"},
		"extract": map[string]any{"prURL": "pull.url"},
	})

	cont, ok := out.(action.Continue)
	require.True(t, ok, "got %#v", out)
	value := cont.Value.(map[string]any)
	assert.Equal(t, 200, value["statusCode"])
	assert.Equal(t, map[string]any{"prURL": "https://example.test/pr/7"}, value["extracted"])
	body := value["body"].(map[string]any)
	assert.Equal(t, "open", body["pull"].(map[string]any)["state"])
}

func TestExecute_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	out := httprequest.NewWithBackoff(fastBackoff).Execute(context.Background(), map[string]any{
		"url":     srv.URL,
		"retries": 3,
	})

	cont, ok := out.(action.Continue)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, "ok", cont.Value.(map[string]any)["body"])
}

func TestExecute_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, ok := httprequest.NewWithBackoff(fastBackoff).Execute(context.Background(), map[string]any{"url": srv.URL}).(action.Failure)
	require.True(t, ok)
	assert.Equal(t, httprequest.CodeStatusError, f.Code)
	assert.Contains(t, f.Message, "404")
}

func TestExecute_ExpectStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	out := httprequest.NewWithBackoff(fastBackoff).Execute(context.Background(), map[string]any{
		"url":          srv.URL,
		"expectStatus": []any{200, 409},
	})
	_, ok := out.(action.Continue)
	assert.True(t, ok)
}

func TestExecute_ExtractMissingPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"a":1}`))
	}))
	defer srv.Close()

	f, ok := httprequest.NewWithBackoff(fastBackoff).Execute(context.Background(), map[string]any{
		"url":     srv.URL,
		"extract": map[string]any{"b": "a.b"},
	}).(action.Failure)
	require.True(t, ok)
	assert.Equal(t, httprequest.CodeExtractFailed, f.Code)
}

func TestExecute_InvalidConfig(t *testing.T) {
	f, ok := httprequest.New().Execute(context.Background(), map[string]any{"url": "not a url", "method": "FETCH"}).(action.Failure)
	require.True(t, ok)
	assert.Equal(t, caterrors.KindConfigInvalid.Code(), f.Code)
	var ce *caterrors.Error
	require.ErrorAs(t, f.Err, &ce)
	assert.Len(t, ce.Violations, 2)
}

func TestExecute_ConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f, ok := httprequest.NewWithBackoff(fastBackoff).Execute(context.Background(), map[string]any{"url": url, "timeout": "1s"}).(action.Failure)
	require.True(t, ok)
	assert.Equal(t, httprequest.CodeRequestFailed, f.Code)
}
