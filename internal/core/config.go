package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk sitedeploy configuration.
type Config struct {
	Site struct {
		Transport    string `yaml:"transport"`
		PhysicalRoot string `yaml:"physical_root"`
		Linux        bool   `yaml:"linux"`
		Kudu         struct {
			URL                   string `yaml:"url"`
			Username              string `yaml:"username"`
			Password              string `yaml:"password"`
			Token                 string `yaml:"token"`
			TimeoutSeconds        int    `yaml:"timeout_seconds"`
			CommandTimeoutSeconds int    `yaml:"command_timeout_seconds"`
			Retries               int    `yaml:"retries"`
		} `yaml:"kudu"`
		SSH struct {
			Host                  string `yaml:"host"`
			Port                  int    `yaml:"port"`
			User                  string `yaml:"user"`
			KeyPath               string `yaml:"key_path"`
			KnownHosts            string `yaml:"known_hosts"`
			AcceptNewHostKeys     bool   `yaml:"accept_new_host_keys"`
			Home                  string `yaml:"home"`
			CommandTimeoutSeconds int    `yaml:"command_timeout_seconds"`
		} `yaml:"ssh"`
	} `yaml:"site"`
	Journal struct {
		Path     string `yaml:"path"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"journal"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

// ConfigDir resolves $XDG_CONFIG_HOME/sitedeploy or ~/.config/sitedeploy.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "sitedeploy")
}

// DefaultConfig returns the configuration used when fields are left empty.
func DefaultConfig() Config {
	var cfg Config
	cfg.Site.Transport = "kudu"
	cfg.Site.PhysicalRoot = "/site/wwwroot"
	cfg.Site.Kudu.TimeoutSeconds = 60
	cfg.Site.Kudu.CommandTimeoutSeconds = 230
	cfg.Site.Kudu.Retries = 3
	cfg.Site.SSH.Port = 22
	cfg.Site.SSH.User = "deploy"
	cfg.Site.SSH.KeyPath = filepath.Join(ConfigDir(), "ssh", "id_ed25519")
	cfg.Site.SSH.KnownHosts = filepath.Join(ConfigDir(), "ssh", "known_hosts")
	cfg.Site.SSH.Home = "/home"
	cfg.Site.SSH.CommandTimeoutSeconds = 230
	cfg.Journal.Path = filepath.Join(ConfigDir(), "journal.db")
	return cfg
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// ConfigDir()/config.yaml. A missing default file yields DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !os.IsNotExist(err):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Credentials come from secrets.env or the environment, not from YAML.
	secrets, _ := LoadSecretsEnv("")
	for _, k := range []string{"KUDU_USERNAME", "KUDU_PASSWORD", "KUDU_TOKEN"} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	if v := secrets["KUDU_USERNAME"]; v != "" {
		cfg.Site.Kudu.Username = v
	}
	if v := secrets["KUDU_PASSWORD"]; v != "" {
		cfg.Site.Kudu.Password = v
	}
	if v := secrets["KUDU_TOKEN"]; v != "" {
		cfg.Site.Kudu.Token = v
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML, creating parent directories.
func WriteConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	// Secrets stay in secrets.env.
	cfg.Site.Kudu.Password = ""
	cfg.Site.Kudu.Token = ""
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
