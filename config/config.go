// Package config loads the control-plane service configuration.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for the controlplaned binary.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	AdminAddress  string `toml:"AdminAddress"`
	DataDir       string `toml:"DataDir"`

	StoreDriver string `toml:"StoreDriver"` // "postgres", "sqlite", or "memory"
	StoreDSN    string `toml:"StoreDSN"`

	SigningSecretHex        string `toml:"SigningSecretHex"`
	DefaultSignatureMode    string `toml:"DefaultSignatureMode"` // auto|hmac|asymmetric
	EnableAsymmetricSigning bool   `toml:"EnableAsymmetricSigning"`

	EnableAdaptiveHealth   bool `toml:"EnableAdaptiveHealth"`
	EnableMicroSeasonality bool `toml:"EnableMicroSeasonality"`

	TierRulesPath string `toml:"TierRulesPath"`

	OTLPEndpoint string `toml:"OTLPEndpoint"`
	LogFilePath  string `toml:"LogFilePath"`
	Environment  string `toml:"Environment"`

	SolverTarget        string `toml:"SolverTarget"`        // "" disables direct dial; use SolverDiscoveryName
	SolverInsecure      bool   `toml:"SolverInsecure"`
	SolverDiscoveryName string `toml:"SolverDiscoveryName"` // SRV name, e.g. "_grpc._tcp.solver.internal"
	SolverDNSServer     string `toml:"SolverDNSServer"`     // "" uses the OS resolver

	WorkerChannelAddress     string `toml:"WorkerChannelAddress"`
	WorkerLeaseTTLSeconds    int    `toml:"WorkerLeaseTTLSeconds"`
	HeartbeatExtensionSeconds int   `toml:"HeartbeatExtensionSeconds"`
	PollIntervalMillis       int    `toml:"PollIntervalMillis"`
}

// Load loads the configuration from the given path, writing a default
// configuration file (with a freshly generated signing secret) if one
// does not already exist.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if cfg.SigningSecretHex == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.SigningSecretHex = secret

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, os.ModePerm)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:           ":7001",
		AdminAddress:            ":7080",
		DataDir:                 "./controlplane-data",
		StoreDriver:             "sqlite",
		StoreDSN:                "./controlplane-data/controlplane.db",
		SigningSecretHex:        secret,
		DefaultSignatureMode:    "hmac",
		EnableAsymmetricSigning: false,
		EnableAdaptiveHealth:    false,
		EnableMicroSeasonality:  false,
		TierRulesPath:           "./tier-rules.yaml",
		Environment:             "development",
		SolverInsecure:          true,
		WorkerChannelAddress:    ":7002",
		WorkerLeaseTTLSeconds:   60,
		HeartbeatExtensionSeconds: 30,
		PollIntervalMillis:      500,
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
