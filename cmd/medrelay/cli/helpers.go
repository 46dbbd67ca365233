package cli

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/medrelay-project/medrelay/internal/config"
	"github.com/medrelay-project/medrelay/internal/engine"
)

// loadEngine opens the engine for the configured server instance. The
// inter-server passphrase comes from MEDRELAY_PASSPHRASE or an interactive
// prompt.
func loadEngine() (*engine.Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	passphrase := os.Getenv("MEDRELAY_PASSPHRASE")
	if passphrase == "" {
		fmt.Fprint(os.Stderr, "Relay passphrase: ")
		passBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		passphrase = string(passBytes)
	}

	eng, err := engine.Open(cfg, passphrase)
	if err != nil {
		return nil, fmt.Errorf("opening engine: %w", err)
	}
	return eng, nil
}
