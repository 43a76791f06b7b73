package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writePoolFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadKeySpecs_FromList(t *testing.T) {
	cfg := Config{
		APIKeys:       []string{"sk-a", " sk-b ", "", "sk-c"},
		KeyAffinities: []string{"screening", "", "analysis"},
	}

	specs, err := loadKeySpecs(cfg, envMap(nil))
	require.NoError(t, err)
	require.Len(t, specs, 3)

	assert.Equal(t, domain.KeySpec{ID: "key-1", Credential: "sk-a", Affinity: domain.CategoryScreening}, specs[0])
	assert.Equal(t, domain.KeySpec{ID: "key-2", Credential: "sk-b", Affinity: domain.CategoryGeneral}, specs[1])
	// blank entries are skipped but keep their position for ID numbering
	assert.Equal(t, "key-4", specs[2].ID)
	assert.Equal(t, domain.CategoryGeneral, specs[2].Affinity)
}

func TestLoadKeySpecs_UnknownAffinity(t *testing.T) {
	cfg := Config{APIKeys: []string{"sk-a"}, KeyAffinities: []string{"crypto"}}

	_, err := loadKeySpecs(cfg, envMap(nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestLoadKeySpecs_NoKeys(t *testing.T) {
	_, err := loadKeySpecs(Config{}, envMap(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoKeys)
}

func TestLoadKeySpecs_FromYAML(t *testing.T) {
	path := writePoolFile(t, `
keys:
  - id: primary
    credential_env: KEY_ONE
    affinity: screening
  - id: backup
    credential_env: KEY_TWO
  - credential_env: KEY_THREE
    affinity: report
`)
	cfg := Config{KeyPoolFile: path, APIKeys: []string{"ignored"}}

	specs, err := loadKeySpecs(cfg, envMap(map[string]string{
		"KEY_ONE":   "sk-1",
		"KEY_TWO":   "sk-2",
		"KEY_THREE": "sk-3",
	}))
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, "primary", specs[0].ID)
	assert.Equal(t, domain.CategoryScreening, specs[0].Affinity)
	assert.Equal(t, "sk-2", specs[1].Credential)
	assert.Equal(t, domain.CategoryGeneral, specs[1].Affinity)
	assert.Equal(t, "key-3", specs[2].ID)
	assert.Equal(t, domain.CategoryReport, specs[2].Affinity)
}

func TestLoadKeySpecs_YAMLErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{
			name: "missing env var",
			body: "keys:\n  - id: a\n    credential_env: MISSING\n",
		},
		{
			name: "no credential_env",
			body: "keys:\n  - id: a\n",
		},
		{
			name: "duplicate ids",
			body: "keys:\n  - id: a\n    credential_env: K\n  - id: a\n    credential_env: K\n",
			env:  map[string]string{"K": "sk"},
		},
		{
			name: "empty file",
			body: "keys: []\n",
		},
		{
			name: "bad yaml",
			body: "keys: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePoolFile(t, tt.body)
			_, err := loadKeySpecs(Config{KeyPoolFile: path}, envMap(tt.env))
			require.Error(t, err)
		})
	}
}

func TestLoadKeySpecs_FileNotFound(t *testing.T) {
	cfg := Config{KeyPoolFile: filepath.Join(t.TempDir(), "nope.yaml")}
	_, err := loadKeySpecs(cfg, envMap(nil))
	require.Error(t, err)
}
