package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Droidlink/mcp"
	"Droidlink/pkg/adb"
	"Droidlink/pkg/cache"
	"Droidlink/pkg/config"
	"Droidlink/pkg/device"
	"Droidlink/pkg/executor"
	"Droidlink/pkg/journal"
	"Droidlink/pkg/logging"
	"Droidlink/pkg/session"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	envPath := flag.String("env", ".env", "path to a .env file with DROIDLINK_* overrides")
	transport := flag.String("transport", "", "MCP transport: stdio or sse (overrides config)")
	addr := flag.String("addr", "", "listen address for the sse transport (overrides config)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	flag.Parse()

	if err := run(*configPath, *envPath, *transport, *addr, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "droidlink: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envPath, transport, addr, logLevel string) error {
	if err := config.LoadDotEnv(envPath); err != nil {
		return fmt.Errorf("loading %s: %w", envPath, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if transport != "" {
		cfg.Server.Transport = transport
	}
	if addr != "" {
		cfg.Server.Address = addr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg, err := logConfigFrom(cfg.Logging)
	if err != nil {
		return err
	}
	if err := logging.Init(logCfg); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logging.Close()

	logging.Info("main").Str("version", Version).Str("config", configPath).Msg("Starting Droidlink")

	keys, err := adb.LoadOrCreateKeyPair(cfg.ADB.KeyPath)
	if err != nil {
		return fmt.Errorf("loading adb key pair: %w", err)
	}

	known, err := cache.New(cache.Config{ConfigDir: cfg.Session.DataDir})
	if err != nil {
		return fmt.Errorf("opening known-device cache: %w", err)
	}
	defer known.Close()
	if cfg.Session.PinnedDevice != "" {
		known.SetPinnedSerial(cfg.Session.PinnedDevice)
	}

	recorder, closeJournal, store := openJournal(cfg)
	defer closeJournal()

	exec := executor.New(cfg.Executor.Workers, cfg.DefaultTimeout())
	reg := session.New(session.Options{
		Dialer:         adb.NewHost(cfg.ADB.Path, cfg.ADB.KeyPath),
		Executor:       exec,
		Keys:           keys,
		ConnectTimeout: cfg.ConnectionTimeout(),
		AuthTimeout:    cfg.AuthTimeout(),
		ConnectRate:    cfg.Session.ConnectRate,
		ConnectBurst:   cfg.Session.ConnectBurst,
		Known:          known,
		Journal:        recorder,
	})
	facade := device.New(device.Options{
		Registry: reg,
		Executor: exec,
		Journal:  recorder,
		Limits:   device.LimitsFrom(cfg.Output),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Session.ReconnectKnown {
		serials := reg.ReconnectKnown(ctx)
		logging.Info("main").Strs("serials", serials).Msg("Reconnected known devices")
	}

	if interval := cfg.MonitorInterval(); interval > 0 {
		go reg.Monitor(ctx, interval)
	}

	if configPath != "" {
		watcher := config.NewWatcher(configPath, func(next *config.Config) {
			facade.SetLimits(device.LimitsFrom(next.Output))
			if level, err := logging.ParseLevel(next.Logging.Level); err == nil {
				logging.SetLevel(level)
			}
		})
		if err := watcher.Start(); err != nil {
			logging.Warn("main").Err(err).Msg("Config hot reload disabled")
		} else {
			defer watcher.Stop()
		}
	}

	opts := mcp.Options{
		Version:            Version,
		ConfirmDestructive: cfg.Server.ConfirmDestructive,
	}
	if store != nil {
		opts.History = store
	}
	server := mcp.NewMCPServer(facade, opts)

	serveErr := server.Serve(ctx, cfg.Server)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg.DisconnectAll(shutdownCtx)

	logging.Info("main").Msg("Droidlink stopped")
	return serveErr
}

func logConfigFrom(c config.LoggingConfig) (logging.LogConfig, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return logging.LogConfig{}, err
	}
	lc := logging.DefaultLogConfig()
	lc.Level = level
	lc.File = c.File
	lc.FilePath = c.FilePath
	lc.MaxSizeMB = c.MaxSizeMB
	lc.MaxAgeDays = c.MaxAgeDays
	lc.MaxBackups = c.MaxBackups
	lc.Compress = c.Compress
	return lc, nil
}

// openJournal builds the event sinks. A sink that fails to open is logged and
// skipped; the server runs without it.
func openJournal(cfg *config.Config) (journal.Recorder, func(), *journal.Store) {
	var sinks journal.Multi
	var closers []func()
	var store *journal.Store

	if cfg.Journal.Enabled {
		s, err := journal.OpenStore(cfg.Journal.Path)
		if err != nil {
			logging.Warn("main").Err(err).Str("path", cfg.Journal.Path).Msg("Journal disabled")
		} else {
			store = s
			sinks = append(sinks, s)
			closers = append(closers, func() {
				if err := s.Close(); err != nil {
					logging.Warn("main").Err(err).Msg("Failed to close journal")
				}
			})
			if days := cfg.Journal.RetentionDays; days > 0 {
				n, err := s.Prune(time.Now().AddDate(0, 0, -days))
				if err != nil {
					logging.Warn("main").Err(err).Msg("Journal prune failed")
				} else if n > 0 {
					logging.Info("main").Int64("removed", n).Int("retention_days", days).Msg("Pruned journal")
				}
			}
		}
	}

	if cfg.MQTT.Enabled {
		p, err := journal.ConnectPublisher(cfg.MQTT)
		if err != nil {
			logging.Warn("main").Err(err).Str("host", cfg.MQTT.Host).Msg("MQTT publishing disabled")
		} else {
			sinks = append(sinks, p)
			closers = append(closers, p.Close)
		}
	}

	closeAll := func() {
		// Reverse open order.
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch len(sinks) {
	case 0:
		return journal.Nop{}, closeAll, nil
	case 1:
		return sinks[0], closeAll, store
	}
	return sinks, closeAll, store
}
