// Command ledgerctl is an operator CLI for managing a tenant's decision
// ledger: signing-key lifecycle (genkey, rotate), chain verification, and
// Parquet export. Subcommand dispatch follows cmd/nhbctl/main.go's
// os.Args[1] switch over per-command flag.FlagSets.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"dyocense/controlplane/cmd/internal/passphrase"
	"dyocense/controlplane/config"
	"dyocense/controlplane/crypto"
	"dyocense/controlplane/internal/domain"
	"dyocense/controlplane/internal/ledger"
	"dyocense/controlplane/internal/ledgerexport"
	"dyocense/controlplane/internal/store"
	"dyocense/controlplane/internal/store/gormstore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "genkey":
		err = runGenKey(os.Args[2:])
	case "rotate":
		err = runRotate(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ledgerctl <genkey|rotate|verify|export> [flags]")
}

func runGenKey(args []string) error {
	fs := flag.NewFlagSet("genkey", flag.ExitOnError)
	configFile := fs.String("config", "./controlplaned.toml", "Path to the configuration file")
	tenantID := fs.String("tenant", "", "Tenant ID to register the key for")
	keystorePath := fs.String("keystore", "", "Output keystore file path")
	passEnv := fs.String("pass-env", "LEDGERCTL_PASSPHRASE", "Environment variable holding the keystore passphrase")
	activate := fs.Bool("activate", true, "Mark the new key active for the tenant")
	fs.Parse(args)

	if strings.TrimSpace(*tenantID) == "" {
		return fmt.Errorf("genkey: -tenant is required")
	}
	if strings.TrimSpace(*keystorePath) == "" {
		return fmt.Errorf("genkey: -keystore is required")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("genkey: load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("genkey: open store: %w", err)
	}
	led := ledgerForSigning(st, cfg)

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("genkey: generate key: %w", err)
	}

	pass, err := passphrase.NewSource(*passEnv).Get()
	if err != nil {
		return fmt.Errorf("genkey: resolve passphrase: %w", err)
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass); err != nil {
		return fmt.Errorf("genkey: save keystore: %w", err)
	}

	registered, err := led.RegisterPublicKey(context.Background(), *tenantID, domain.AlgorithmSecp256k1, key.PubKey().Bytes(), *keystorePath, *activate)
	if err != nil {
		return fmt.Errorf("genkey: register key: %w", err)
	}

	fmt.Printf("generated key %s for tenant %s (address %s, active=%v)\n",
		registered.KeyID, registered.TenantID, key.PubKey().Address(), registered.Status == domain.KeyActive)
	return nil
}

func runRotate(args []string) error {
	fs := flag.NewFlagSet("rotate", flag.ExitOnError)
	configFile := fs.String("config", "./controlplaned.toml", "Path to the configuration file")
	tenantID := fs.String("tenant", "", "Tenant ID whose active key should be rotated")
	keystorePath := fs.String("keystore", "", "Output keystore file path for the replacement key")
	passEnv := fs.String("pass-env", "LEDGERCTL_PASSPHRASE", "Environment variable holding the keystore passphrase")
	fs.Parse(args)

	if strings.TrimSpace(*tenantID) == "" {
		return fmt.Errorf("rotate: -tenant is required")
	}
	if strings.TrimSpace(*keystorePath) == "" {
		return fmt.Errorf("rotate: -keystore is required")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("rotate: load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("rotate: open store: %w", err)
	}
	led := ledgerForSigning(st, cfg)

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("rotate: generate key: %w", err)
	}
	pass, err := passphrase.NewSource(*passEnv).Get()
	if err != nil {
		return fmt.Errorf("rotate: resolve passphrase: %w", err)
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass); err != nil {
		return fmt.Errorf("rotate: save keystore: %w", err)
	}

	// Rotate registers the new key active and expires the tenant's prior
	// active key atomically (ledger.go's Rotate / RegisterPublicKey).
	registered, err := led.Rotate(context.Background(), *tenantID, domain.AlgorithmSecp256k1, key.PubKey().Bytes(), *keystorePath)
	if err != nil {
		return fmt.Errorf("rotate: register replacement key: %w", err)
	}
	fmt.Printf("activated key %s for tenant %s (address %s)\n", registered.KeyID, registered.TenantID, key.PubKey().Address())
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configFile := fs.String("config", "./controlplaned.toml", "Path to the configuration file")
	tenantID := fs.String("tenant", "", "Tenant ID to verify")
	limit := fs.Int("limit", 0, "Maximum number of chain entries to verify (0 = unbounded)")
	fs.Parse(args)

	if strings.TrimSpace(*tenantID) == "" {
		return fmt.Errorf("verify: -tenant is required")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("verify: load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("verify: open store: %w", err)
	}
	led := ledgerForSigning(st, cfg)

	report, err := led.Verify(context.Background(), *tenantID, *limit)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	fmt.Printf("tenant=%s entries=%d all_ok=%v\n", report.TenantID, len(report.Entries), report.AllOK)
	for _, entry := range report.Entries {
		status := "ok"
		if !entry.SigOK || !entry.ChainOK {
			status = "FAIL"
		}
		fmt.Printf("  %-8s entry=%s sig_ok=%v chain_ok=%v %s\n", status, entry.EntryID, entry.SigOK, entry.ChainOK, entry.Reason)
	}
	if !report.AllOK {
		os.Exit(2)
	}
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configFile := fs.String("config", "./controlplaned.toml", "Path to the configuration file")
	tenantID := fs.String("tenant", "", "Tenant ID to export")
	out := fs.String("out", "", "Output Parquet file path")
	limit := fs.Int("limit", 0, "Maximum number of chain entries to export (0 = unbounded)")
	fs.Parse(args)

	if strings.TrimSpace(*tenantID) == "" {
		return fmt.Errorf("export: -tenant is required")
	}
	if strings.TrimSpace(*out) == "" {
		return fmt.Errorf("export: -out is required")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("export: load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("export: open store: %w", err)
	}

	count, err := ledgerexport.WriteTenantChain(context.Background(), st, *tenantID, *out, *limit)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	fmt.Printf("wrote %d entries for tenant %s to %s\n", count, *tenantID, *out)
	return nil
}

// ledgerForSigning builds the same ledger.Ledger wiring cmd/controlplaned
// uses, so key lifecycle and verification operations apply the tenant's
// configured signature mode consistently across both binaries.
func ledgerForSigning(st store.Store, cfg *config.Config) *ledger.Ledger {
	hmacSecret, err := hex.DecodeString(cfg.SigningSecretHex)
	if err != nil {
		hmacSecret = nil
	}
	mode := ledger.Mode(cfg.DefaultSignatureMode)
	if mode == "" {
		mode = ledger.ModeHMAC
	}
	return ledger.New(st, hmacSecret, mode, cfg.EnableAsymmetricSigning)
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "", "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return gormstore.Open(gormstore.DriverSQLite, cfg.StoreDSN)
	case "postgres":
		return gormstore.Open(gormstore.DriverPostgres, cfg.StoreDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
