// Command i3pmd is the project-scoped window-management daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vpittamp/i3pm/internal/config"
	"github.com/vpittamp/i3pm/internal/control"
	"github.com/vpittamp/i3pm/internal/engine"
	"github.com/vpittamp/i3pm/internal/ipc"
	"github.com/vpittamp/i3pm/internal/layouts"
	"github.com/vpittamp/i3pm/internal/metrics"
	"github.com/vpittamp/i3pm/internal/proc"
	"github.com/vpittamp/i3pm/internal/state"
	"github.com/vpittamp/i3pm/internal/util"
)

var version = "dev"

func main() {
	cfgPath := flag.String("config", config.DefaultPath(), "path to YAML config")
	socketPath := flag.String("socket", "", "daemon socket path (default $XDG_RUNTIME_DIR/i3pm/daemon.sock)")
	swaySocket := flag.String("sway-socket", "", "sway IPC socket (default $SWAYSOCK)")
	logLevel := flag.String("log-level", "info", "log level (trace|debug|info|warn|error)")
	logFormat := flag.String("log-format", string(util.FormatText), "log format (text|json)")
	flag.Parse()

	logger := util.NewLoggerWithFormat(util.ParseLogLevel(*logLevel), os.Stderr, util.Format(*logFormat))

	cfgFullPath, err := filepath.Abs(*cfgPath)
	if err != nil {
		exitErr(fmt.Errorf("resolve config path: %w", err))
	}
	cfgFullPath = filepath.Clean(cfgFullPath)
	cfg, raw, err := loadInitialConfig(cfgFullPath)
	if err != nil {
		exitErr(err)
	}
	if raw == nil {
		logger.Warnf("config %s not found; starting with an empty project registry", cfgFullPath)
	}
	if err := logger.EnableSentry(cfg.Daemon.SentryDSN, "i3pm@"+version); err != nil {
		logger.Warnf("error reporting disabled: %v", err)
	}
	defer logger.Flush(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := layouts.Open(ctx, filepath.Join(cfg.Daemon.StateDir, "layouts.db"))
	if err != nil {
		exitErr(fmt.Errorf("open layout store: %w", err))
	}
	defer store.Close()

	wmSocket := *swaySocket
	if wmSocket == "" {
		if wmSocket, err = ipc.SocketPath(); err != nil {
			exitErr(err)
		}
	}
	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	commands, queries, err := ipc.ConnectPair(connectCtx, ipc.SocketDialer(wmSocket), cfg.Daemon.CommandTimeout())
	connectCancel()
	if err != nil {
		exitErr(fmt.Errorf("connect to window manager: %w", err))
	}
	defer commands.Close()
	defer queries.Close()

	collector := metrics.NewCollector()
	events := make(chan ipc.Event, cfg.Daemon.WMEventBuffer)
	contextFile := state.NewContextFile(cfg.Daemon.StateDir)
	eng := engine.New(engine.Options{
		Config:      cfg,
		Resolver:    proc.NewCachingResolver(proc.NewEnvResolver(cfg.Daemon.ResolverTimeout())),
		Commander:   commands,
		Layouts:     store,
		ContextFile: contextFile,
		Metrics:     collector,
		Logger:      logger,
		Events:      events,
	})
	saved, err := contextFile.Load()
	if err != nil {
		logger.Warnf("ignoring saved context: %v", err)
	}
	eng.Restore(saved)

	sub := ipc.NewSubscriber(queries, nil, events, logger, cfg.Daemon.OutputPollInterval())
	eng.SetResyncer(sub)

	reloader := newConfigReloader(cfgFullPath, logger, eng, raw)
	srv, err := control.NewServer(eng, logger, control.Options{
		SocketPath:       *socketPath,
		SubscriberBuffer: cfg.Daemon.SubscriberBuffer,
		Reload:           reloader.Reload,
	})
	if err != nil {
		exitErr(fmt.Errorf("configure rpc server: %w", err))
	}
	if err := srv.Listen(); err != nil {
		exitErr(fmt.Errorf("start rpc server: %w", err))
	}
	eng.SetNotifier(srv)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		exitErr(fmt.Errorf("watch config: %w", err))
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(cfgFullPath)); err != nil {
		logger.Warnf("config hot reload disabled: %v", err)
	}
	reloadRequests := make(chan string, 1)
	go watchConfig(logger, watcher, cfgFullPath, reloadRequests)

	sup := newSupervisor(logger, eng, sub, srv)
	errs := make(chan error, 1)
	go func() {
		errs <- sup.Serve(ctx)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	logger.Infof("i3pmd %s started (active project %q)", version, eng.Snapshot().ActiveProject)

	for {
		select {
		case err := <-errs:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("daemon exited: %v", err)
				logger.Flush(2 * time.Second)
				os.Exit(1)
			}
			logger.Infof("daemon stopped")
			return
		case reason := <-reloadRequests:
			if _, err := reloader.Reload(reason); err != nil {
				logger.Errorf("reload failed: %v", err)
			}
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if _, err := reloader.Reload("received SIGHUP"); err != nil {
					logger.Errorf("reload failed: %v", err)
				}
			case os.Interrupt, syscall.SIGTERM:
				logger.Infof("received %s, shutting down", sig)
				cancel()
			}
		}
	}
}

// loadInitialConfig reads the config at path. A missing file yields the
// default configuration and nil raw bytes.
func loadInitialConfig(path string) (*config.Config, []byte, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, raw, nil
}

func watchConfig(logger *util.Logger, watcher *fsnotify.Watcher, target string, reloadRequests chan<- string) {
	const debounceWindow = 250 * time.Millisecond
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					<-timerCh
				}
				timer.Reset(debounceWindow)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			select {
			case reloadRequests <- "config file updated":
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("config watcher error: %v", err)
		}
	}
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
