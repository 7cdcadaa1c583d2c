// Command limitlinkd serves rate limited HTTP, WebSocket and gRPC endpoints
// backed by a shared Redis, and can run single decisions from the shell.
//
// Usage:
//
//	limitlinkd serve --config limitlink.yaml
//	limitlinkd check --config limitlink.yaml --rule api --identity 10.0.0.1
//	limitlinkd validate --config limitlink.yaml
package main

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolink/limitlink/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Run the rate limited servers."`
	Check    CheckCmd    `cmd:"" help:"Run one rate limit decision against the store."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path" env:"LIMITLINK_CONFIG"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides the config file."`
	LogPretty bool   `help:"Human readable console logs."`
}

// loadConfig reads the config file and applies the logging flags.
func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	if c.LogPretty {
		cfg.Log.Pretty = true
	}
	if err := setupLogger(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(cfg config.LogConfig) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return nil
}

// ValidateCmd checks the configuration and exits.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	fmt.Printf("config ok: %d rules, %d routes\n", len(cfg.Rules), len(cfg.Routes))
	return nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Printf("limitlinkd %s\n", version)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("limitlinkd"),
		kong.Description("Shared rate limiting over Redis for HTTP, WebSocket and gRPC."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
