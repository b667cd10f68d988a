package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for accessrl.yaml/.yml in
// standard locations. The search requires an explicit YAML extension so
// Viper never matches the binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers treat as env-only mode.
		viper.SetConfigName("accessrl")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: ACCESSRL_SERVER_ADDR etc.
	viper.SetEnvPrefix("ACCESSRL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for accessrl.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".accessrl"),
		"/etc/accessrl",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "accessrl"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment overrides.
// Example: ACCESSRL_REDIS_ADDR overrides redis.addr.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.upstream")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("redis.addr")
	_ = viper.BindEnv("redis.password")
	_ = viper.BindEnv("redis.db")
	_ = viper.BindEnv("redis.timeout")

	_ = viper.BindEnv("limiter.key_prefix")
	_ = viper.BindEnv("limiter.fail_open")
	_ = viper.BindEnv("limiter.headers")
	_ = viper.BindEnv("limiter.fallback_resolver")
	_ = viper.BindEnv("limiter.exempt_when")
	_ = viper.BindEnv("limiter.policies_file")

	// policies is an array; use the config file or a policies_file for it.

	_ = viper.BindEnv("default_policy")
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration, applies environment overrides and
// defaults, merges the external policies file if one is configured, and
// validates the result.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration and applies defaults but does not
// validate. Use this when CLI flags may override fields before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if cfg.Limiter.PoliciesFile != "" {
		extra, err := LoadPoliciesFile(cfg.Limiter.PoliciesFile)
		if err != nil {
			return nil, err
		}
		cfg.Policies = append(cfg.Policies, extra...)
	}

	return &cfg, nil
}

// policiesFile is the schema of a standalone policies YAML file.
type policiesFile struct {
	Policies []PolicyConfig `yaml:"policies"`
}

// LoadPoliciesFile reads policy definitions from a standalone YAML file.
// The file holds a top-level "policies" list with the same schema as the
// inline policies section.
func LoadPoliciesFile(path string) ([]PolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policies file %s: %w", path, err)
	}
	var pf policiesFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse policies file %s: %w", path, err)
	}
	return pf.Policies, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or an
// empty string in env-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
