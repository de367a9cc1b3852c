// Copyright 2024-2026 Aiku AI

// Command mautrix-mattermost-relay relays messages from a Matrix account into
// a Mattermost channel and routes thread replies back to the originating
// Matrix room.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/mautrix-mattermost-relay/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const Version = "0.2.0"

var (
	configPath      = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	envFile         = flag.MakeFull("E", "env-file", "Optional .env file with secrets.", ".env").String()
	generateExample = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	dontSaveConfig  = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
	version         = flag.MakeFull("v", "version", "View version and quit.", "false").Bool()
	wantHelp, _     = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"mautrix-mattermost-relay - A Matrix to Mattermost message relay.",
		"mautrix-mattermost-relay [-hnev] [-c <path>] [-E <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("mautrix-mattermost-relay %s (%s, built %s, tag %s)\n", Version, Commit, BuildTime, Tag)
		os.Exit(0)
	} else if *generateExample {
		if err := os.WriteFile(*configPath, []byte(connector.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(10)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load env file:", err)
		return 11
	}
	cfg, err := connector.LoadConfig(*configPath, !*dontSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		return 11
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		return 12
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing mautrix-mattermost-relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	relay := connector.New(cfg, *log)
	if err = relay.Init(ctx); err != nil {
		log.Err(err).Msg("Failed to initialize relay")
		return 13
	}
	if err = relay.Run(ctx); err != nil {
		log.Err(err).Msg("Relay stopped with an error")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if serr := relay.Shutdown(shutdownCtx); serr != nil {
			log.Err(serr).Msg("Shutdown finished with errors")
		}
		return 1
	}
	log.Info().Msg("Relay stopped")
	return 0
}
