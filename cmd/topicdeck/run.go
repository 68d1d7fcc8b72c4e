package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/asheshgoplani/topicdeck/internal/bridge"
	"github.com/asheshgoplani/topicdeck/internal/config"
	"github.com/asheshgoplani/topicdeck/internal/dispatch"
	"github.com/asheshgoplani/topicdeck/internal/logging"
	"github.com/asheshgoplani/topicdeck/internal/monitor"
	"github.com/asheshgoplani/topicdeck/internal/screen"
	"github.com/asheshgoplani/topicdeck/internal/session"
	"github.com/asheshgoplani/topicdeck/internal/state"
	"github.com/asheshgoplani/topicdeck/internal/statedb"
	"github.com/asheshgoplani/topicdeck/internal/telegram"
	"github.com/asheshgoplani/topicdeck/internal/tmux"
	"github.com/asheshgoplani/topicdeck/internal/web"
)

const (
	offsetMetaKey     = "telegram_offset"
	heartbeatInterval = 10 * time.Second
	primaryTimeout    = 30 * time.Second
	historyRetention  = 7 * 24 * time.Hour
	pruneInterval     = time.Hour
)

var runLog = logging.ForComponent(logging.CompBridge)

func handleRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	foreground := fs.Bool("foreground", false, "Mirror logs to stderr when attached to a terminal")
	configPath := fs.String("config", "", "Config file (default ~/.topicdeck/config.toml)")
	fs.Usage = func() {
		fmt.Println("Usage: topicdeck run [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
	}
	if err := checkSettings(settings); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	initLogging(settings, *foreground && term.IsTerminal(int(os.Stderr.Fd())))
	defer logging.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go dumpOnSIGUSR1(ctx)

	if err := runBridge(ctx, settings); err != nil {
		runLog.Error("bridge_failed", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func loadSettings(path string) (*config.Settings, error) {
	if path == "" {
		return config.Load()
	}
	s, err := config.LoadFile(path)
	if err != nil {
		return &config.Settings{}, err
	}
	return s, nil
}

func checkSettings(s *config.Settings) error {
	if s.Telegram.BotToken == "" {
		return fmt.Errorf("no bot token: set [telegram] bot_token in %s or TELEGRAM_BOT_TOKEN", config.Path())
	}
	if len(s.Telegram.AllowedUsers) == 0 {
		return fmt.Errorf("no allowed users: set [telegram] allowed_users in %s", config.Path())
	}
	if _, err := session.ParseVerbosity(s.Verbosity()); err != nil {
		return err
	}
	return nil
}

func initLogging(s *config.Settings, mirror bool) {
	ls := s.Logs
	cfg := logging.Config{
		LogDir:                config.Dir(),
		Level:                 "info",
		Format:                "json",
		MaxSizeMB:             10,
		MaxBackups:            5,
		MaxAgeDays:            10,
		Compress:              ls.Compress,
		RingBufferSize:        4 * 1024 * 1024,
		AggregateIntervalSecs: 30,
		PprofAddr:             ls.PprofAddr,
	}
	if ls.Level != "" {
		cfg.Level = ls.Level
	}
	if os.Getenv("TOPICDECK_DEBUG") != "" {
		cfg.Level = "debug"
	}
	if ls.Format != "" {
		cfg.Format = ls.Format
	}
	if ls.MaxMB > 0 {
		cfg.MaxSizeMB = ls.MaxMB
	}
	if ls.Backups > 0 {
		cfg.MaxBackups = ls.Backups
	}
	if ls.RetentionDays > 0 {
		cfg.MaxAgeDays = ls.RetentionDays
	}
	if ls.RingBufferMB > 0 {
		cfg.RingBufferSize = ls.RingBufferMB * 1024 * 1024
	}
	if mirror {
		cfg.Mirror = os.Stderr
	}
	logging.Init(cfg)
	log.SetFlags(0)
	log.SetOutput(logging.NewBridgeWriter(logging.CompBridge))
}

// dumpOnSIGUSR1 writes the log ring buffer for post-mortem debugging.
func dumpOnSIGUSR1(ctx context.Context) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-usr1:
			path := filepath.Join(config.Dir(), fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(path); err != nil {
				runLog.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				runLog.Info("crash_dump_written", slog.String("path", path))
			}
		}
	}
}

// statusLine reads a window's spinner line for the dispatch queue.
func statusLine(panes interface {
	CapturePane(ctx context.Context, id string) (string, error)
}) func(ctx context.Context, windowID string) string {
	return func(ctx context.Context, windowID string) string {
		pane, err := panes.CapturePane(ctx, windowID)
		if err != nil {
			return ""
		}
		if sl := screen.DetectStatusLine(pane); sl != nil {
			return sl.String()
		}
		return ""
	}
}

func runBridge(ctx context.Context, s *config.Settings) error {
	if err := tmux.IsAvailable(); err != nil {
		return err
	}
	if err := os.MkdirAll(config.Dir(), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	panes := tmux.NewManager(s.TmuxSession(), s.MainWindowName())
	if err := panes.EnsureSession(ctx); err != nil {
		return err
	}

	db, err := statedb.Open(config.HistoryDBFile())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}
	if err := db.RegisterInstance(false); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	defer func() {
		_ = db.ResignPrimary()
		_ = db.UnregisterInstance()
	}()

	client := telegram.New(s.Telegram.BotToken, telegram.WithBaseURL(s.Telegram.APIBaseURL))
	me, err := client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	runLog.Info("bridge_starting",
		slog.String("bot", me.Username),
		slog.String("tmux_session", s.TmuxSession()),
		slog.String("version", Version))

	loop := &primaryLoop{
		elect:        db,
		interval:     heartbeatInterval,
		timeout:      primaryTimeout,
		serve:        func(ctx context.Context) error { return serve(ctx, s, panes, db, client) },
		housekeeping: housekeeping(db),
	}
	err = loop.Run(ctx)
	runLog.Info("bridge_stopped")
	return err
}

// serve runs the bridge for as long as this instance is the primary. State
// files are opened here, so an instance taking over starts from what the
// previous primary left on disk.
func serve(ctx context.Context, s *config.Settings, panes *tmux.Manager, db *statedb.StateDB, client *telegram.Client) error {
	verbosity, _ := session.ParseVerbosity(s.Verbosity())
	reg := session.OpenRegistry(config.StateFile(),
		session.WithDefaultVerbosity(verbosity),
		session.WithDefaultChat(s.Telegram.GroupChatID))
	offsets := state.OpenOffsetStore(config.OffsetsFile())

	var hub *web.Hub
	if s.Web.Enabled {
		hub = web.NewHub()
	}

	limiters := dispatch.NewLimiters(s.SendInterval())
	var mon *monitor.Monitor
	queue := dispatch.New(client, reg, limiters, dispatch.Options{
		MergeMaxLength: s.MergeMaxLength(),
		MaxRetries:     s.MaxRetries(),
		History:        db,
		StatusCheck:    statusLine(panes),
		OnToolMessage:  func(tm dispatch.ToolMessage) { mon.RecordToolMessage(tm) },
	})
	sink := &observedQueue{Queue: queue, hub: hub}

	mon = monitor.New(monitor.Config{
		SessionMapPath: config.SessionMapFile(),
		TmuxSession:    s.TmuxSession(),
		ProjectsPath:   s.ProjectsPath(),
		PollInterval:   s.PollInterval(),
	}, reg, offsets, sink, monitor.WithPendingStore(db))

	status := monitor.NewStatusPoller(monitor.StatusConfig{
		Interval:           s.StatusInterval(),
		FreezeTimeout:      s.FreezeTimeout(),
		TopicCheckInterval: s.TopicCheckInterval(),
	}, reg, panes, sink, client, limiters, nil)

	handler := bridge.New(bridge.Config{
		Allowed:       s.IsAllowed,
		ClaudeCommand: s.ClaudeCommand(),
	}, reg, panes, client, queue,
		bridge.WithHistory(db),
		bridge.WithTranscripts(mon),
		bridge.WithWindowHealth(status))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return status.Run(gctx) })
	g.Go(func() error { return runPoller(gctx, db, client, handler) })

	if !s.Monitor.DisableMapWatcher {
		if w, err := session.NewMapWatcher(config.SessionMapFile(), mon.Kick); err != nil {
			runLog.Warn("map_watcher_disabled", slog.String("error", err.Error()))
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	if s.Web.Enabled {
		srv := web.NewServer(web.Config{
			ListenAddr: s.WebListen(),
			Token:      s.Web.Token,
			Bindings:   reg,
			Hub:        hub,
		})
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// housekeeping prunes the message cache and dead instance rows at most once
// per pruneInterval.
func housekeeping(db *statedb.StateDB) func() {
	var last time.Time
	return func() {
		if time.Since(last) < pruneInterval {
			return
		}
		last = time.Now()
		if n, err := db.PruneMessages(time.Now().Add(-historyRetention)); err != nil {
			runLog.Warn("history_prune_failed", slog.String("error", err.Error()))
		} else if n > 0 {
			runLog.Debug("history_pruned", slog.Int64("rows", n))
		}
		if err := db.CleanDeadInstances(primaryTimeout * 2); err != nil {
			runLog.Warn("instance_cleanup_failed", slog.String("error", err.Error()))
		}
	}
}

func runPoller(ctx context.Context, db *statedb.StateDB, client *telegram.Client, handler *bridge.Handler) error {
	var offset int64
	if v, err := db.GetMeta(offsetMetaKey); err == nil && v != "" {
		offset, _ = strconv.ParseInt(v, 10, 64)
	}
	p := &telegram.Poller{
		Client:  client,
		Timeout: 30 * time.Second,
		Handle:  handler.HandleUpdate,
		Commit: func(next int64) {
			if err := db.SetMeta(offsetMetaKey, strconv.FormatInt(next, 10)); err != nil {
				runLog.Warn("offset_save_failed", slog.String("error", err.Error()))
			}
		},
	}
	runLog.Info("telegram_polling_started")
	return p.Run(ctx, offset)
}
