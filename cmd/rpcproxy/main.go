package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v2"

	"github.com/coredispatch/rpcproxy/proxyd"
)

func main() {
	app := &cli.App{
		Name:  "rpcproxy",
		Usage: "caching, load-balancing JSON-RPC proxy for Ethereum-compatible nodes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to the proxy's TOML config file",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "worker-count",
				Usage: "advisory concurrency hint for background workers",
				Value: 0,
			},
			&cli.DurationFlag{
				Name:  "shutdown-grace",
				Usage: "grace period for draining in-flight requests on shutdown",
				Value: 10 * time.Second,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Crit("rpcproxy exited with error", "err", err)
	}
}

func run(cliCtx *cli.Context) error {
	log.Root().SetHandler(log.LvlFilterHandler(log.LvlInfo, log.StreamHandler(os.Stderr, log.TerminalFormat(true))))

	path := cliCtx.String("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.WorkerCount = cliCtx.Int("worker-count")

	daemon, err := proxyd.NewDaemon(cfg)
	if err != nil {
		return fmt.Errorf("constructing daemon: %w", err)
	}

	watchConfig(path, daemon)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- daemon.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("daemon exited: %w", err)
		}
		return nil
	}

	daemon.Shutdown(cliCtx.Duration("shutdown-grace"))
	return nil
}

func loadConfig(path string) (proxyd.Config, error) {
	var cfg proxyd.Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return proxyd.Config{}, err
	}
	return cfg, nil
}

// watchConfig reloads the daemon whenever the config file changes on disk,
// per SPEC_FULL.md's config-watcher component (fsnotify + atomic reload).
// Reload failures (including a chain_id mismatch) are logged, not fatal:
// the daemon keeps serving under its last-good config.
func watchConfig(path string, daemon *proxyd.Daemon) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("config watcher disabled: could not start fsnotify", "err", err)
		return
	}
	if err := watcher.Add(path); err != nil {
		log.Warn("config watcher disabled: could not watch config file", "err", err)
		watcher.Close()
		return
	}
	go func() {
		defer watcher.Close()
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := loadConfig(path)
			if err != nil {
				log.Warn("config reload: could not parse file", "err", err)
				continue
			}
			if err := daemon.Reload(cfg); err != nil {
				log.Warn("config reload rejected", "err", err)
				continue
			}
			log.Info("config reloaded", "path", path)
		}
	}()
}
