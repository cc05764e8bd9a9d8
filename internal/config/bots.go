package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// BotConfig describe un bot registrable en el registro de modelos.
type BotConfig struct {
	Name      string `toml:"name"`
	Family    string `toml:"family"`
	Desc      string `toml:"desc"`
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	BaseURL   string `toml:"base_url"`
	APIKeyEnv string `toml:"api_key_env"`
}

// APIKey resuelve la clave desde la variable de entorno indicada.
func (b BotConfig) APIKey() string {
	if b.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(b.APIKeyEnv)
}

type botsFile struct {
	Bots []BotConfig `toml:"bots"`
}

// DefaultBots se usa cuando no hay archivo de bots.
func DefaultBots() []BotConfig {
	return []BotConfig{{
		Name:     "echo",
		Family:   "Local",
		Desc:     "Offline bot that echoes the conversation",
		Provider: "echo",
	}}
}

// LoadBots lee el archivo TOML de bots. Si no existe devuelve DefaultBots.
func LoadBots(path string) ([]BotConfig, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultBots(), nil
	}
	var f botsFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultBots(), nil
		}
		return nil, fmt.Errorf("decode bots file: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Bots))
	for i, b := range f.Bots {
		b.Name = strings.TrimSpace(b.Name)
		b.Provider = strings.ToLower(strings.TrimSpace(b.Provider))
		if b.Name == "" {
			return nil, fmt.Errorf("%w: bot #%d has no name", ErrInvalidConfig, i+1)
		}
		if _, dup := seen[b.Name]; dup {
			return nil, fmt.Errorf("%w: duplicated bot %q", ErrInvalidConfig, b.Name)
		}
		seen[b.Name] = struct{}{}
		if b.Model == "" {
			b.Model = b.Name
		}
		f.Bots[i] = b
	}
	if len(f.Bots) == 0 {
		return DefaultBots(), nil
	}
	return f.Bots, nil
}
