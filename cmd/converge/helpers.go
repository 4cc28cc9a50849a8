package main

import (
	"fmt"
	"os"

	converge "github.com/converge-nps/converge-go"
)

// getClient creates a Converge client from the stored configuration.
func getClient() *converge.Client {
	cfg := mustConfig()

	var opts []converge.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, converge.WithBaseURL(cfg.Default.BaseURL))
	}
	return converge.NewClient(cfg.Default.Token, opts...)
}

// getChannel creates a realtime channel client from the stored
// configuration. Callers decide whether to Connect.
func getChannel(cfg *Config) *converge.RealtimeClient {
	base := cfg.Default.BaseURL
	if base == "" {
		base = converge.DefaultBaseURL
	}
	return converge.NewRealtimeClient(base, &converge.RealtimeConfig{
		Token:         cfg.Default.Token,
		AutoReconnect: true,
	})
}

// openStore opens the durable local store under ~/.converge/state.
func openStore() *converge.PebbleStore {
	path, err := statePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve state directory: %v\n", err)
		os.Exit(1)
	}
	store, err := converge.OpenPebbleStore(path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open local store: %v\n", err)
		os.Exit(1)
	}
	return store
}

// mustConfig loads the config and requires a token.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		cfg.Default.Token = os.Getenv("CONVERGE_TOKEN")
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'converge init <token>' first.")
		os.Exit(1)
	}
	return cfg
}

// selfParticipant builds the identity snapshot used for optimistic sends.
func selfParticipant(cfg *Config) converge.Participant {
	return converge.Participant{
		ID:           cfg.User.ID,
		DisplayName:  cfg.User.DisplayName,
		Organization: cfg.User.Organization,
	}
}
