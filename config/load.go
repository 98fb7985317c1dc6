package config

import (
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads the yaml config at path (when it exists) and then applies
// environment overrides. A missing file is not an error: env-only setups
// are the norm in containers.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, err
			}
		} else {
			if err := cleanenv.ReadEnv(cfg); err != nil {
				return nil, err
			}
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, err
		}
	}
	if len(cfg.Approvals.Policies) == 0 {
		cfg.Approvals.Policies = defaultPolicies()
	}
	if len(cfg.Approvals.SLAHours) == 0 {
		cfg.Approvals.SLAHours = defaultSLAHours()
	}
	return cfg, nil
}
