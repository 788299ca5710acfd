package secrets

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	catsecrets "github.com/xerilium/catalyst/pkg/catalyst/v1/secrets"
)

const ageHeader = "age-encryption.org/v1"

// FileProvider serves secrets from a dotenv-style file (`NAME=value` per line,
// `#` comments). The file may be age-encrypted, binary or armored, in which
// case an identity file must be supplied.
type FileProvider struct {
	values map[string]string
}

// NewFileProvider reads and parses path. identityPath is only consulted when
// the file is age-encrypted.
func NewFileProvider(path, identityPath string) (*FileProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secrets file %s: %w", path, err)
	}

	if isAgeEncrypted(raw) {
		if identityPath == "" {
			return nil, fmt.Errorf("secrets file %s is age-encrypted but no identity file was given", path)
		}
		raw, err = decryptAge(raw, identityPath)
		if err != nil {
			return nil, fmt.Errorf("decrypting secrets file %s: %w", path, err)
		}
	}

	values, err := parseDotenv(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", path, err)
	}
	return &FileProvider{values: values}, nil
}

// GetSecret returns the named value from the file.
func (p *FileProvider) GetSecret(_ context.Context, key string) (string, bool, error) {
	v, ok := p.values[key]
	return v, ok, nil
}

// All returns a copy of every secret in the file.
func (p *FileProvider) All() map[string]string {
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

func isAgeEncrypted(raw []byte) bool {
	return bytes.HasPrefix(raw, []byte(ageHeader)) || bytes.HasPrefix(raw, []byte(armor.Header))
}

func decryptAge(raw []byte, identityPath string) ([]byte, error) {
	f, err := os.Open(identityPath)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identities: %w", err)
	}

	var src io.Reader = bytes.NewReader(raw)
	if bytes.HasPrefix(raw, []byte(armor.Header)) {
		src = armor.NewReader(src)
	}
	r, err := age.Decrypt(src, identities...)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func parseDotenv(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected NAME=value", lineNo)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("line %d: empty name", lineNo)
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		values[name] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

var _ catsecrets.Provider = (*FileProvider)(nil)
