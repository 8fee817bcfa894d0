package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".schedagent"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"

	envPrefix = "SCHEDAGENT"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("SCHEDAGENT_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

// loadEnvFiles loads variables from known env files. Existing process env
// vars are never overridden; godotenv only fills in missing keys.
func loadEnvFiles() {
	candidates := []string{".env"}
	if explicit := strings.TrimSpace(os.Getenv("SCHEDAGENT_ENV_FILE")); explicit != "" {
		candidates = append([]string{explicit}, candidates...)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ConfigDir, "env"))
	}
	for _, p := range candidates {
		_ = godotenv.Load(p)
	}
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	loadEnvFiles()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	// If file doesn't exist, continue with defaults

	// Override with environment variables for each group
	envconfig.Process(envPrefix, &cfg.Paths)
	envconfig.Process(envPrefix, &cfg.Model)
	envconfig.Process(envPrefix, &cfg.Providers.OpenAI)
	envconfig.Process(envPrefix, &cfg.Booking)
	envconfig.Process(envPrefix, &cfg.Redis)
	envconfig.Process(envPrefix+"_BREAKER", &cfg.Resilience.Breaker)
	envconfig.Process(envPrefix+"_RETRY", &cfg.Resilience.Retry)
	envconfig.Process(envPrefix, &cfg.Sweep)
	envconfig.Process(envPrefix, &cfg.Kafka)
	envconfig.Process(envPrefix, &cfg.Slack)

	// Fallback for the API key: the bare variable most deployments set.
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if expanded, err := expandHome(cfg.Paths.DataDir); err == nil {
		cfg.Paths.DataDir = expanded
	}

	return cfg, nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
