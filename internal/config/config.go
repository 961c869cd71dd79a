// Package config loads the pipeline's environment-style configuration.
// Every knob has a safe default; absent optional values never crash the
// system, but a present-and-malformed value is an error.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// #region types

// Limits are the risk manager's hard ceilings.
type Limits struct {
	MaxDrawdown float64 `yaml:"max_drawdown"`
	MaxExposure float64 `yaml:"max_exposure"`
}

// Counterfactual holds validation-engine constants.
type Counterfactual struct {
	Scenarios         int     `yaml:"scenarios"`
	PriceNoiseStd     float64 `yaml:"price_noise_std"`
	EarningsShiftDays int     `yaml:"earnings_shift_days"`
}

// Config is the full runtime configuration.
type Config struct {
	DBPath       string
	LogPath      string
	PauseFlag    string
	ApprovalFlag string
	MaxRetries   int
	PCThreshold  float64
	Seed         int64
	EmbedDim     int
	TopK         int

	Limits         Limits
	Counterfactual Counterfactual
}

// limitsFile is the YAML shape of the optional limits file.
type limitsFile struct {
	Risk           *Limits         `yaml:"risk"`
	Counterfactual *Counterfactual `yaml:"counterfactual"`
}

// #endregion types

// #region defaults

// Default returns the production defaults.
func Default() Config {
	return Config{
		DBPath:       "factfin.db",
		LogPath:      "decisions.log",
		PauseFlag:    "pause.flag",
		ApprovalFlag: "approval.flag",
		MaxRetries:   2,
		PCThreshold:  0.7,
		Seed:         7,
		EmbedDim:     768,
		TopK:         5,
		Limits: Limits{
			MaxDrawdown: 0.2,
			MaxExposure: 1.0,
		},
		Counterfactual: Counterfactual{
			Scenarios:         50,
			PriceNoiseStd:     0.01,
			EarningsShiftDays: 3,
		},
	}
}

// #endregion defaults

// #region from-env

// FromEnv builds a Config from environment variables, starting from
// Default. Recognized: FACTFIN_DB, LOG_PATH, PAUSE_FLAG, APPROVAL_FLAG,
// MAX_RETRIES, PC_THRESHOLD, CF_SEED, EMBED_DIM, TOP_K, LIMITS_FILE.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("FACTFIN_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		cfg.LogPath = v
	}
	if v := os.Getenv("PAUSE_FLAG"); v != "" {
		cfg.PauseFlag = v
	}
	if v := os.Getenv("APPROVAL_FLAG"); v != "" {
		cfg.ApprovalFlag = v
	}

	var err error
	if cfg.MaxRetries, err = intEnv("MAX_RETRIES", cfg.MaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.PCThreshold, err = floatEnv("PC_THRESHOLD", cfg.PCThreshold); err != nil {
		return Config{}, err
	}
	if cfg.Seed, err = int64Env("CF_SEED", cfg.Seed); err != nil {
		return Config{}, err
	}
	if cfg.EmbedDim, err = intEnv("EMBED_DIM", cfg.EmbedDim); err != nil {
		return Config{}, err
	}
	if cfg.TopK, err = intEnv("TOP_K", cfg.TopK); err != nil {
		return Config{}, err
	}

	if path := os.Getenv("LIMITS_FILE"); path != "" {
		if err := cfg.loadLimits(path); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// loadLimits overlays risk and counterfactual settings from a YAML file.
func (c *Config) loadLimits(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read limits file: %w", err)
	}
	var lf limitsFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return fmt.Errorf("parse limits file %s: %w", path, err)
	}
	if lf.Risk != nil {
		c.Limits = *lf.Risk
	}
	if lf.Counterfactual != nil {
		c.Counterfactual = *lf.Counterfactual
	}
	return nil
}

// #endregion from-env

// #region env-helpers

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, v, err)
	}
	return n, nil
}

func int64Env(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, v, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, v, err)
	}
	return f, nil
}

// #endregion env-helpers
