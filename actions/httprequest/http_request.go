// Package httprequest implements the `http-request` action.
package httprequest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/go-resty/resty/v2"

	"github.com/xerilium/catalyst/internal/errpolicy"
	"github.com/xerilium/catalyst/internal/paramutil"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/action"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

// ID is the action identifier used in playbooks.
const ID = "http-request"

// Error codes reported by the action.
const (
	CodeRequestFailed = "HttpRequestFailed"
	CodeStatusError   = "HttpStatusError"
	CodeExtractFailed = "HttpExtractFailed"
)

// Config is the step config of an http-request step.
type Config struct {
	URL     string         `mapstructure:"url" validate:"required,url"`
	Method  string         `mapstructure:"method" default:"GET" validate:"oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	Headers map[string]any `mapstructure:"headers"`
	Query   map[string]any `mapstructure:"query"`
	Body    any            `mapstructure:"body"`
	Timeout time.Duration  `mapstructure:"timeout" default:"30s"`
	// Retries are in-action retries of transport errors, 429 and 5xx
	// responses, spaced by the capped quadratic backoff.
	Retries int `mapstructure:"retries" validate:"gte=0,lte=10"`
	// ExpectStatus lists acceptable status codes. Empty means any 2xx.
	ExpectStatus []int `mapstructure:"expectStatus"`
	// Extract maps names to dotted paths into a JSON response body.
	Extract map[string]string `mapstructure:"extract"`
}

// Action performs one HTTP request.
type Action struct {
	backoff errpolicy.Backoff
}

// New is the registry factory.
func New() action.Action {
	return &Action{backoff: errpolicy.CappedQuadraticBackoff}
}

// NewWithBackoff creates the action with a custom retry schedule.
func NewWithBackoff(b errpolicy.Backoff) *Action {
	return &Action{backoff: b}
}

func (a *Action) Execute(ctx context.Context, cfg any) action.Outcome {
	var c Config
	if err := paramutil.Decode(ID, cfg, &c); err != nil {
		return action.Fail(caterrors.CodeOf(err), err)
	}

	client := resty.New().
		SetTimeout(c.Timeout).
		SetRetryCount(c.Retries).
		SetRetryWaitTime(a.backoff(1)).
		SetRetryMaxWaitTime(errpolicy.MaxHTTPDelay).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp == nil || resp.Request == nil {
				return a.backoff(1), nil
			}
			return a.backoff(resp.Request.Attempt), nil
		}).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		})

	req := client.R().
		SetContext(ctx).
		SetHeaders(paramutil.StringMap(c.Headers)).
		SetQueryParams(paramutil.StringMap(c.Query))
	if c.Body != nil {
		req.SetBody(c.Body)
	}

	if log := action.LoggerFrom(ctx, nil); log != nil {
		log.Debugf("%s %s", c.Method, c.URL)
	}
	resp, err := req.Execute(c.Method, c.URL)
	if err != nil {
		return action.Failure{Code: CodeRequestFailed, Message: fmt.Sprintf("%s %s failed", c.Method, c.URL), Err: err}
	}

	body := decodeBody(resp)
	value := map[string]any{
		"status":     resp.Status(),
		"statusCode": resp.StatusCode(),
		"headers":    flattenHeaders(resp.Header()),
		"body":       body,
		"attempts":   resp.Request.Attempt,
	}

	if !statusAccepted(resp.StatusCode(), c.ExpectStatus) {
		return action.Failure{
			Code:    CodeStatusError,
			Message: fmt.Sprintf("%s %s returned %s", c.Method, c.URL, resp.Status()),
		}
	}

	if len(c.Extract) > 0 {
		extracted, err := extract(resp.Body(), c.Extract)
		if err != nil {
			return action.Failure{Code: CodeExtractFailed, Message: "extracting values from the response", Err: err}
		}
		value["extracted"] = extracted
	}
	return action.Continue{Value: value}
}

func statusAccepted(code int, expected []int) bool {
	if len(expected) == 0 {
		return code >= 200 && code < 300
	}
	for _, c := range expected {
		if c == code {
			return true
		}
	}
	return false
}

// decodeBody returns JSON bodies as decoded values and anything else as a
// string.
func decodeBody(resp *resty.Response) any {
	raw := resp.Body()
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(resp.Header().Get("Content-Type"), "json") {
		if parsed, err := gabs.ParseJSON(raw); err == nil {
			return parsed.Data()
		}
	}
	return string(raw)
}

func extract(raw []byte, paths map[string]string) (map[string]any, error) {
	parsed, err := gabs.ParseJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("response body is not JSON: %w", err)
	}
	out := make(map[string]any, len(paths))
	var missing []string
	for name, path := range paths {
		if !parsed.ExistsP(path) {
			missing = append(missing, fmt.Sprintf("%s (%s)", name, path))
			continue
		}
		out[name] = parsed.Path(path).Data()
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("paths not found in response: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
