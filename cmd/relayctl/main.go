package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/coordinator"
	"github.com/danmuck/relayctl/internal/logging"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/relay"
	"github.com/danmuck/relayctl/internal/resource"
	"github.com/danmuck/relayctl/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("relayctl")

	cfg := config.DefaultServerConfig()
	if *configPath != "" {
		loaded, err := config.LoadServerConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := config.ValidateServerConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}

	registry := resource.NewRegistry()
	if err := registerBuiltins(registry); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
	owner := relay.NewOwner(registry)

	coord := coordinator.New(coordinator.Config{
		WarmupFrames:  cfg.WarmupFrames,
		FrameEndWait:  cfg.FrameEndWait,
		FrameInterval: cfg.FrameInterval,
	}, nil)

	svc := server.NewService(cfg, owner, coord)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

// registerBuiltins installs the diagnostic operations every deployment
// gets regardless of the application resource wired in.
func registerBuiltins(registry *resource.Registry) error {
	if err := registry.Register("ping", func(args []any) (any, error) {
		return "pong", nil
	}); err != nil {
		return err
	}
	if err := registry.Register("timeMs", func(args []any) (any, error) {
		return time.Now().UnixMilli(), nil
	}); err != nil {
		return err
	}
	registry.RegisterConstant("PROTOCOL_VERSION", 1)
	return nil
}
