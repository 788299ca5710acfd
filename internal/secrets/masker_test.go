package secrets_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xerilium/catalyst/internal/secrets"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

func TestMasker_MaskRegisteredValue(t *testing.T) {
	m := secrets.NewMasker()
	m.Register("API", "secret123")

	assert.Equal(t, "token=[SECRET:API]", m.Mask("token=secret123"))
	assert.Equal(t, "nothing here", m.Mask("nothing here"))
	assert.Equal(t, "", m.Mask(""))
}

func TestMasker_LongestValueFirst(t *testing.T) {
	for _, order := range [][2][2]string{
		{{"API", "secret123"}, {"SHORT", "secret"}},
		{{"SHORT", "secret"}, {"API", "secret123"}},
	} {
		m := secrets.NewMasker()
		for _, s := range order {
			m.Register(s[0], s[1])
		}

		out := m.Mask("token=secret123 other=secret")
		assert.NotContains(t, out, "secret123")
		assert.Equal(t, "token=[SECRET:API] other=[SECRET:SHORT]", out)
	}
}

func TestMasker_EmptyValueNeverMasks(t *testing.T) {
	m := secrets.NewMasker()
	m.Register("EMPTY", "")

	assert.Equal(t, "abc", m.Mask("abc"))
	v, ok := m.Resolve("EMPTY")
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestMasker_ResolveAndClear(t *testing.T) {
	m := secrets.NewMasker()
	m.Register("TOKEN", "abc")

	v, ok := m.Resolve("TOKEN")
	require.True(t, ok)
	assert.Equal(t, "abc", v)

	_, ok = m.Resolve("MISSING")
	assert.False(t, ok)

	m.Clear()
	_, ok = m.Resolve("TOKEN")
	assert.False(t, ok)
	assert.Equal(t, "abc", m.Mask("abc"))
}

func TestMasker_ReregisterInvalidatesOrder(t *testing.T) {
	m := secrets.NewMasker()
	m.Register("A", "one")
	assert.Equal(t, "[SECRET:A]", m.Mask("one"))

	m.Register("A", "two")
	assert.Equal(t, "one [SECRET:A]", m.Mask("one two"))
}

func TestMasker_MaskValueDescends(t *testing.T) {
	m := secrets.NewMasker()
	m.Register("PW", "hunter2")

	in := map[string]any{
		"plain":  "x",
		"nested": map[string]any{"dsn": "user:hunter2@db"},
		"list":   []any{"hunter2", 42, true},
		"count":  3,
	}
	out := m.MaskValue(in).(map[string]any)

	assert.Equal(t, "x", out["plain"])
	assert.Equal(t, "user:[SECRET:PW]@db", out["nested"].(map[string]any)["dsn"])
	assert.Equal(t, []any{"[SECRET:PW]", 42, true}, out["list"])
	assert.Equal(t, 3, out["count"])

	// The live value is untouched.
	assert.Equal(t, "user:hunter2@db", in["nested"].(map[string]any)["dsn"])
}

func TestMasker_OverlappingValuesMergeIntoOnePlaceholder(t *testing.T) {
	m := secrets.NewMasker()
	m.Register("A", "abcd")
	m.Register("B", "cdef")

	out := m.Mask("x abcdef y cdef")
	assert.Equal(t, "x [SECRET:A] y [SECRET:B]", out)
	assert.NotContains(t, out, "ef ")

	assert.Equal(t, "[SECRET:A][SECRET:A]", m.Mask("abcdabcd"))
}

type credentials struct {
	User  string `json:"user"`
	Token string `json:"token"`
	Port  int    `json:"port"`
}

type tokenString string

func TestMasker_MaskValueNormalisesStructsAndPointers(t *testing.T) {
	m := secrets.NewMasker()
	m.Register("TOKEN", "tok-SECRETVALUE-1")

	creds := credentials{User: "ci", Token: "tok-SECRETVALUE-1", Port: 443}
	want := map[string]any{"user": "ci", "token": "[SECRET:TOKEN]", "port": 443.0}

	assert.Equal(t, want, m.MaskValue(creds))
	assert.Equal(t, want, m.MaskValue(&creds))
	assert.Equal(t, map[string]any{"c": want}, m.MaskValue(map[string]any{"c": creds}))
	assert.Equal(t, []any{"[SECRET:TOKEN]"}, m.MaskValue([]tokenString{"tok-SECRETVALUE-1"}))
	assert.Equal(t, "[SECRET:TOKEN]", m.MaskValue(tokenString("tok-SECRETVALUE-1")))
	assert.Equal(t, map[string]any{"k": "[SECRET:TOKEN]"}, m.MaskValue(map[string]tokenString{"k": "tok-SECRETVALUE-1"}))
	assert.Nil(t, m.MaskValue((*credentials)(nil)))
	assert.Equal(t, 7, m.MaskValue(7))

	assert.Equal(t, "tok-SECRETVALUE-1", creds.Token, "the live value is untouched")
}

func TestMasker_MaskErrorKeepsChain(t *testing.T) {
	m := secrets.NewMasker()
	m.Register("PW", "hunter2")

	base := caterrors.NewActionFailure("AuthFailed", "login with hunter2 rejected", nil)
	masked := m.MaskError(base)

	assert.NotContains(t, masked.Error(), "hunter2")
	assert.True(t, secrets.IsMasked(masked))
	assert.Equal(t, "AuthFailed", caterrors.CodeOf(masked))

	plain := errors.New("no secret")
	assert.Same(t, plain, m.MaskError(plain))
	assert.Nil(t, m.MaskError(nil))
}

func TestFileProvider_PlainDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.env")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nAPI=abc\nexport DB_PASS=\"p w\"\n\n"), 0o600))

	p, err := secrets.NewFileProvider(path, "")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"API": "abc", "DB_PASS": "p w"}, p.All())
}

func TestFileProvider_RejectsMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.env")
	require.NoError(t, os.WriteFile(path, []byte("JUSTANAME\n"), 0o600))

	_, err := secrets.NewFileProvider(path, "")
	assert.ErrorContains(t, err, "line 1")
}

func TestFileProvider_AgeEncrypted(t *testing.T) {
	dir := t.TempDir()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	var sb strings.Builder
	w, err := age.Encrypt(&sb, identity.Recipient())
	require.NoError(t, err)
	_, err = w.Write([]byte("TOKEN=sealed-value\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	secretsPath := filepath.Join(dir, "secrets.age")
	identityPath := filepath.Join(dir, "key.txt")
	require.NoError(t, os.WriteFile(secretsPath, []byte(sb.String()), 0o600))
	require.NoError(t, os.WriteFile(identityPath, []byte(identity.String()+"\n"), 0o600))

	_, err = secrets.NewFileProvider(secretsPath, "")
	require.Error(t, err)

	p, err := secrets.NewFileProvider(secretsPath, identityPath)
	require.NoError(t, err)
	v, ok, err := p.GetSecret(context.Background(), "TOKEN")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sealed-value", v)
}

func TestMasker_UnmaskRestoresPlaceholders(t *testing.T) {
	m := secrets.NewMasker()
	m.Register("TOKEN", "abc123")
	m.Register("EMPTY", "")

	masked := m.MaskValue(map[string]any{"auth": "Bearer abc123", "list": []any{"abc123"}})
	live := m.UnmaskValue(masked).(map[string]any)

	assert.Equal(t, "Bearer abc123", live["auth"])
	assert.Equal(t, []any{"abc123"}, live["list"])
	assert.Equal(t, "[SECRET:OTHER]", m.Unmask("[SECRET:OTHER]"))
}
