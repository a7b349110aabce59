package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muxherd/muxherd/internal/config"
	"github.com/muxherd/muxherd/internal/daemon"
	"github.com/muxherd/muxherd/internal/journal"
	"github.com/muxherd/muxherd/internal/lifecycle"
	"github.com/muxherd/muxherd/internal/liveness"
	"github.com/muxherd/muxherd/internal/model"
	"github.com/muxherd/muxherd/internal/mux"
	"github.com/muxherd/muxherd/internal/procscan"
	"github.com/muxherd/muxherd/internal/queue"
	"github.com/muxherd/muxherd/internal/reaper"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "config file (default ~/.config/muxherd/config.yaml)")
		socketPath  = flag.String("socket", "", "UDS path for muxherdd (overrides config)")
		journalPath = flag.String("journal", "", "SQLite journal path (overrides config)")
		serverURL   = flag.String("server-url", "", "controller base URL (overrides config)")
		workspace   = flag.String("workspace", "", "tmux session to herd (overrides config)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	path := *configPath
	if path == "" {
		path = config.DefaultFilePath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatal(err)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *journalPath != "" {
		cfg.JournalPath = *journalPath
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *workspace != "" {
		cfg.WorkspaceSession = *workspace
	}
	if !cfg.Enabled {
		logf("herding disabled in config, exiting")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGINT tears down the whole workspace session, SIGTERM only the
	// panes this instance created. Self-destruct behaves like SIGTERM.
	teardown := make(chan model.TeardownMode, 1)
	requestTeardown := func(mode model.TeardownMode) {
		select {
		case teardown <- mode:
		default:
		}
		cancel()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		if sig == syscall.SIGINT {
			requestTeardown(model.TeardownWorkspace)
			return
		}
		requestTeardown(model.TeardownPanes)
	}()

	store, err := journal.Open(ctx, cfg.JournalPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := journal.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	tmux := mux.NewClient(mux.Options{
		CommandTimeout: cfg.CommandTimeout,
		Logf:           logf,
	})
	source := liveness.New(cfg.ServerURL, nil)

	mgr := lifecycle.New(tmux, source, store, lifecycle.Options{
		Workspace:       cfg.WorkspaceSession,
		AgentCommand:    cfg.AgentCommand,
		ServerURL:       cfg.ServerURL,
		LayoutName:      cfg.LayoutName,
		MainPanePercent: cfg.MainPanePercent,
		MaxPerColumn:    cfg.MaxPerColumn,
		AutoClose:       cfg.AutoClose,
		PollInterval:    cfg.PollInterval,
		MissingGrace:    cfg.MissingGrace,
		SessionTimeout:  cfg.SessionTimeout,
		LayoutDebounce:  cfg.LayoutDebounce,
		Queue: queue.Options{
			ItemDelay:   cfg.ItemDelay,
			BaseBackoff: cfg.BaseBackoff,
			MaxRetries:  cfg.MaxRetries,
			StaleAfter:  cfg.StaleAfter,
		},
		Logf: logf,
	})
	if _, err := mgr.AdoptPanes(ctx); err != nil {
		logErr("adopt tagged panes", err)
	}

	rp := reaper.New(procscan.NewOS(), source, store, reaper.Options{
		ServerURL:           cfg.ServerURL,
		AttachSignature:     cfg.AttachSignature,
		ReapInterval:        cfg.ReapInterval,
		MinZombieChecks:     cfg.MinZombieChecks,
		GracePeriod:         cfg.ZombieGracePeriod,
		KillWait:            cfg.KillWait,
		SelfDestruct:        cfg.SelfDestruct,
		SelfDestructTimeout: cfg.SelfDestructTimeout,
		OnSelfDestruct: func() {
			requestTeardown(model.TeardownPanes)
		},
		Logf: logf,
	})
	go rp.Run(ctx)

	logf("version %s, herding %q for %s (socket %s)", version, cfg.WorkspaceSession, cfg.ServerURL, cfg.SocketPath)

	srv := daemon.NewServer(cfg, mgr, rp, store, version)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logErr("control server", err)
	}

	mode := model.TeardownPanes
	select {
	case mode = <-teardown:
	default:
	}
	shCtx, shCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shCancel()
	mgr.Shutdown(shCtx, mode)
	logf("shut down (%s teardown)", mode)
}

func logf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "muxherdd: "+format+"\n", args...)
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "muxherdd: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "muxherdd: %v\n", err)
	os.Exit(1)
}
