package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
)

// KeyPoolYAML represents the structure of a key pool file.
//
//	keys:
//	  - id: primary
//	    credential_env: OPENROUTER_API_KEY
//	    affinity: screening
type KeyPoolYAML struct {
	Keys []KeyEntryYAML `yaml:"keys"`
}

// KeyEntryYAML is one key in a key pool file. The secret itself never lives in
// the file; CredentialEnv names the environment variable holding it.
type KeyEntryYAML struct {
	ID            string `yaml:"id"`
	CredentialEnv string `yaml:"credential_env"`
	Affinity      string `yaml:"affinity"`
}

// LoadKeySpecs builds the key pool definition from KeyPoolFile when set, or from
// LLM_API_KEYS / LLM_KEY_AFFINITIES otherwise.
func LoadKeySpecs(cfg Config) ([]domain.KeySpec, error) {
	return loadKeySpecs(cfg, os.LookupEnv)
}

func loadKeySpecs(cfg Config, lookup func(string) (string, bool)) ([]domain.KeySpec, error) {
	if cfg.KeyPoolFile != "" {
		specs, err := loadKeySpecsFromYAML(cfg.KeyPoolFile, lookup)
		if err != nil {
			return nil, fmt.Errorf("op=config.LoadKeySpecs: %w", err)
		}
		return specs, nil
	}

	specs := make([]domain.KeySpec, 0, len(cfg.APIKeys))
	for i, raw := range cfg.APIKeys {
		cred := strings.TrimSpace(raw)
		if cred == "" {
			continue
		}
		affinity := domain.CategoryGeneral
		if i < len(cfg.KeyAffinities) && strings.TrimSpace(cfg.KeyAffinities[i]) != "" {
			c, err := domain.ParseTaskCategory(cfg.KeyAffinities[i])
			if err != nil {
				return nil, fmt.Errorf("op=config.LoadKeySpecs: key %d: %w", i+1, err)
			}
			affinity = c
		}
		specs = append(specs, domain.KeySpec{
			ID:         fmt.Sprintf("key-%d", i+1),
			Credential: cred,
			Affinity:   affinity,
		})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("op=config.LoadKeySpecs: %w", domain.ErrNoKeys)
	}
	return specs, nil
}

// loadKeySpecsFromYAML loads key definitions and resolves each credential from the environment.
func loadKeySpecsFromYAML(filePath string, lookup func(string) (string, bool)) ([]domain.KeySpec, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	// #nosec G304 -- the key pool file path comes from operator configuration
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key pool file: %w", err)
	}

	var doc KeyPoolYAML
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(doc.Keys) == 0 {
		return nil, fmt.Errorf("%w: no keys in %s", domain.ErrNoKeys, filePath)
	}

	seen := make(map[string]struct{}, len(doc.Keys))
	specs := make([]domain.KeySpec, 0, len(doc.Keys))
	for i, k := range doc.Keys {
		id := strings.TrimSpace(k.ID)
		if id == "" {
			id = fmt.Sprintf("key-%d", i+1)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate key id %q", domain.ErrInvalidArgument, id)
		}
		seen[id] = struct{}{}

		if k.CredentialEnv == "" {
			return nil, fmt.Errorf("%w: key %q has no credential_env", domain.ErrInvalidArgument, id)
		}
		cred, ok := lookup(k.CredentialEnv)
		if !ok || strings.TrimSpace(cred) == "" {
			return nil, fmt.Errorf("%w: env %s for key %q is empty", domain.ErrInvalidArgument, k.CredentialEnv, id)
		}

		affinity := domain.CategoryGeneral
		if k.Affinity != "" {
			c, err := domain.ParseTaskCategory(k.Affinity)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", id, err)
			}
			affinity = c
		}
		specs = append(specs, domain.KeySpec{ID: id, Credential: strings.TrimSpace(cred), Affinity: affinity})
	}
	return specs, nil
}
