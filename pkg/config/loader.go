package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileNames are searched, in order, when no explicit path is given.
//
//nolint:gochecknoglobals // search order
var ConfigFileNames = []string{"appforge.yaml", "appforge.yml", "appforge.json"}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadConfig reads path (or the first of ConfigFileNames in dir when path is a
// directory or empty), applies env overrides, validates, and installs the result.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	file, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	if file != "" {
		if err := loadFile(file, &cfg); err != nil {
			return nil, err
		}
		logger.Info("loaded config from %s", file)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	SetConfig(&cfg)
	return &cfg, nil
}

func resolveConfigPath(path string) (string, error) {
	dir := path
	if path != "" {
		info, err := os.Stat(path)
		switch {
		case err == nil && !info.IsDir():
			return path, nil
		case err == nil:
			dir = path
		case os.IsNotExist(err):
			return "", fmt.Errorf("config file %s not found", path)
		default:
			return "", fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	} else {
		dir = "."
	}

	for _, name := range ConfigFileNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

// loadFile decodes YAML or JSON (a YAML subset) with ${VAR} references expanded.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	expanded := envRefPattern.ReplaceAllStringFunc(string(data), func(ref string) string {
		name := envRefPattern.FindStringSubmatch(ref)[1]
		return os.Getenv(name)
	})
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				logger.Warn("ignoring %s=%q: %v", env, v, err)
				return
			}
			*dst = n
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				logger.Warn("ignoring %s=%q: %v", env, v, err)
				return
			}
			*dst = b
		}
	}
	setDuration := func(env string, dst *time.Duration) {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				logger.Warn("ignoring %s=%q: %v", env, v, err)
				return
			}
			*dst = d
		}
	}

	setString("APPFORGE_SUPERVISOR_MODEL", &cfg.Models.Supervisor)
	setString("APPFORGE_STAGE_MODEL", &cfg.Models.Stages)
	setString("APPFORGE_VERIFIER_MODEL", &cfg.Models.Verifier)
	setString("APPFORGE_OPENAI_BASE_URL", &cfg.Models.OpenAIBaseURL)
	setString(EnvOllamaHost, &cfg.Models.OllamaHost)
	setInt("APPFORGE_MAX_ITERATIONS", &cfg.Orchestrator.MaxIterations)
	setBool("APPFORGE_VERIFY", &cfg.Orchestrator.Verify)
	setString("APPFORGE_PERSISTENCE", &cfg.Persistence.Backend)
	setString("APPFORGE_DB_PATH", &cfg.Persistence.Path)
	setString("APPFORGE_ADDR", &cfg.WebUI.Addr)
	setString("APPFORGE_EVENT_LOG_DIR", &cfg.Events.LogDir)
	setString("APPFORGE_NATS_URL", &cfg.Events.NATSURL)
	setString("APPFORGE_PROMETHEUS_URL", &cfg.Metrics.PrometheusURL)
	setBool("APPFORGE_SANDBOX", &cfg.Sandbox.Enabled)
	setDuration("APPFORGE_LLM_TIMEOUT", &cfg.Resilience.Timeout)
}
