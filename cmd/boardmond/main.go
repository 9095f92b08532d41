package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/g960059/boardmon/internal/boards"
	"github.com/g960059/boardmon/internal/config"
	"github.com/g960059/boardmon/internal/daemon"
	"github.com/g960059/boardmon/internal/db"
	"github.com/g960059/boardmon/internal/discovery"
	"github.com/g960059/boardmon/internal/logger"
	"github.com/g960059/boardmon/internal/monitor"
	"github.com/g960059/boardmon/internal/serialmon"
	"github.com/g960059/boardmon/internal/settings"
)

type options struct {
	configPath string
	socketPath string
	dbPath     string
	discovery  string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "boardmond",
		Short:         "Board discovery and serial monitor daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", config.DefaultPath(), "config file")
	cmd.Flags().StringVar(&opts.socketPath, "socket", "", "UDS path for boardmond")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite path")
	cmd.Flags().StringVar(&opts.discovery, "discovery", "", "discovery mode: serial, pluggable or none")
	return cmd
}

// loadConfig reads the config file and applies flag overrides on top.
func loadConfig(opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.socketPath != "" {
		cfg.SocketPath = opts.socketPath
	}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	if opts.discovery != "" {
		cfg.Discovery.Mode = opts.discovery
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	log := logger.New("[daemon]")

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}

	watcher := discovery.NewWatcher(logger.New("[discovery]"))
	svc := boards.NewService(store, cfg.BoardProtocols, logger.New("[boards]"))
	if err := svc.Init(ctx); err != nil {
		return err
	}
	monitors := monitor.NewManager(cfg.Monitor, map[string]monitor.Client{
		serialmon.Protocol: serialmon.NewClient(logger.New("[serial]")),
	}, settings.NewProvider(store), logger.New("[monitor]"))

	loopCtx, stopLoops := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stopLoops()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.Run(loopCtx, watcher); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("board selection loop: %v", err)
		}
	}()
	if src := newDiscoverySource(cfg); src != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(loopCtx, src); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("discovery stopped: %v", err)
			}
		}()
	} else {
		log.Info("board discovery disabled")
	}

	srv := daemon.NewServer(cfg, daemon.Deps{
		Watcher:  watcher,
		Boards:   svc,
		Monitors: monitors,
		Log:      log,
	})
	err = srv.Start(ctx)
	monitors.Close(context.Background())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newDiscoverySource picks the port source for the configured mode. It
// returns nil when discovery is disabled.
func newDiscoverySource(cfg config.Config) discovery.Source {
	identify := discovery.NewIdentifier(cfg.BoardIDs)
	switch cfg.Discovery.Mode {
	case config.DiscoveryPluggable:
		return discovery.NewPluggableSource(cfg.Discovery.Command, cfg.Discovery.Args, cfg.Discovery.StopTimeout, identify, logger.New("[discovery]"))
	case config.DiscoverySerial:
		return discovery.NewSerialSource(cfg.Discovery.PollInterval, identify, logger.New("[discovery]"))
	default:
		return nil
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "boardmond: %v\n", err)
	os.Exit(1)
}
