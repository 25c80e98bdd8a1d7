package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Fimeg/Coquette-sub001/internal/config"
	"github.com/Fimeg/Coquette-sub001/internal/paths"
	"github.com/Fimeg/Coquette-sub001/internal/secrets"
)

// runSecrets handles the "coquette secrets" subcommand:
//
//	coquette secrets list        Print the names stored in the file
//	coquette secrets set NAME    Store a value read from stdin
//
// Values never appear on the command line (and therefore never in
// shell history or the process table); set reads one line from stdin.
func runSecrets(stdin io.Reader, stdout io.Writer, configPath string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: coquette secrets <list|set NAME>")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Secrets.File == "" {
		return fmt.Errorf("no secrets file configured (set secrets.file in coquette.yaml)")
	}

	enc := openSecretsFile(cfg)

	switch args[0] {
	case "list":
		names, err := enc.List()
		if err != nil {
			return fmt.Errorf("read secrets file: %w", err)
		}
		for _, name := range names {
			fmt.Fprintln(stdout, name)
		}
		return nil

	case "set":
		if len(args) < 2 {
			return fmt.Errorf("usage: coquette secrets set NAME")
		}
		name := args[1]

		fmt.Fprintf(stdout, "Value for %s: ", name)
		scanner := bufio.NewScanner(stdin)
		if !scanner.Scan() {
			return fmt.Errorf("read value: %w", scanner.Err())
		}
		value := strings.TrimSpace(scanner.Text())
		if value == "" {
			return fmt.Errorf("empty value")
		}

		if err := enc.Set(name, value); err != nil {
			return fmt.Errorf("store secret: %w", err)
		}
		fmt.Fprintf(stdout, "Stored %s. Reference it as secrets:%s in provider config.\n", name, name)
		return nil

	default:
		return fmt.Errorf("unknown secrets command: %s", args[0])
	}
}

// openSecretsFile builds the encrypted file source with the passphrase
// lookup deferred until first use.
func openSecretsFile(cfg *config.Config) *secrets.EncryptedFile {
	passEnv := cfg.Secrets.PassphraseEnv
	if passEnv == "" {
		passEnv = "COQUETTE_SECRETS_PASSPHRASE"
	}
	return secrets.NewEncryptedFile(paths.ExpandHome(cfg.Secrets.File), passphraseFromEnv(passEnv))
}

// passphraseFromEnv returns a passphrase func that reads the named
// environment variable.
func passphraseFromEnv(name string) func() (string, error) {
	return func() (string, error) {
		pass := os.Getenv(name)
		if pass == "" {
			return "", fmt.Errorf("passphrase environment variable %s is not set", name)
		}
		return pass, nil
	}
}
