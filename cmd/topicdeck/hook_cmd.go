package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/asheshgoplani/topicdeck/internal/config"
	"github.com/asheshgoplani/topicdeck/internal/hook"
	"github.com/asheshgoplani/topicdeck/internal/logging"
)

// hookTimeout bounds the hook so a stuck lock never delays Claude Code's
// startup by more than a moment.
const hookTimeout = 3 * time.Second

// handleHook records a SessionStart payload, or edits settings.json with
// --install/--uninstall. Recording always exits 0 so a failure never
// blocks Claude Code.
func handleHook(args []string) int {
	fs := flag.NewFlagSet("hook", flag.ContinueOnError)
	install := fs.Bool("install", false, "Add the SessionStart hook to Claude Code settings")
	uninstall := fs.Bool("uninstall", false, "Remove the SessionStart hook from Claude Code settings")
	claudeDir := fs.String("claude-dir", "~/.claude", "Claude Code config directory")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	dir := config.ExpandHome(*claudeDir)

	switch {
	case *install && *uninstall:
		fmt.Fprintln(os.Stderr, "Error: --install and --uninstall are exclusive")
		return 2
	case *install:
		added, err := hook.Install(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if added {
			fmt.Printf("Installed SessionStart hook in %s/settings.json\n", dir)
		} else {
			fmt.Println("SessionStart hook already installed")
		}
		return 0
	case *uninstall:
		removed, err := hook.Uninstall(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if removed {
			fmt.Printf("Removed SessionStart hook from %s/settings.json\n", dir)
		} else {
			fmt.Println("SessionStart hook was not installed")
		}
		return 0
	}

	settings, _ := config.Load()
	logging.Init(logging.Config{
		LogDir:                config.Dir(),
		Level:                 settings.Logs.Level,
		Format:                "json",
		MaxSizeMB:             10,
		MaxBackups:            5,
		RingBufferSize:        64 * 1024,
		AggregateIntervalSecs: 30,
	})
	defer logging.Shutdown()
	hookLog := logging.ForComponent(logging.CompHook)

	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	_, err := hook.Record(ctx, os.Stdin, hook.Options{
		MapPath: config.SessionMapFile(),
		Pane:    os.Getenv("TMUX_PANE"),
	})
	if err != nil {
		hookLog.Error("hook_failed", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "topicdeck hook: %v\n", err)
	}
	return 0
}
