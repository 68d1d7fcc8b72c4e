package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	s, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if s.PollInterval() != 2*time.Second {
		t.Errorf("PollInterval = %v", s.PollInterval())
	}
	if s.StatusInterval() != time.Second {
		t.Errorf("StatusInterval = %v", s.StatusInterval())
	}
	if s.MergeMaxLength() != 3800 {
		t.Errorf("MergeMaxLength = %d", s.MergeMaxLength())
	}
	if s.SendInterval() != 1100*time.Millisecond {
		t.Errorf("SendInterval = %v", s.SendInterval())
	}
	if s.TmuxSession() != "topicdeck" || s.MainWindowName() != "__main__" {
		t.Errorf("tmux defaults = %q %q", s.TmuxSession(), s.MainWindowName())
	}
	if s.Verbosity() != "normal" {
		t.Errorf("Verbosity = %q", s.Verbosity())
	}
}

func TestLoadFileParses(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
default_verbosity = "quiet"

[telegram]
bot_token = "123:abc"
allowed_users = [42, 7]

[tmux]
session_name = "agents"

[monitor]
poll_interval_ms = 500
freeze_timeout_s = 5

[dispatch]
merge_max_length = 100
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if s.Telegram.BotToken != "123:abc" {
		t.Errorf("token = %q", s.Telegram.BotToken)
	}
	if !s.IsAllowed(42) || s.IsAllowed(1) {
		t.Errorf("allow-list mismatch: %v", s.Telegram.AllowedUsers)
	}
	if s.TmuxSession() != "agents" {
		t.Errorf("session = %q", s.TmuxSession())
	}
	if s.PollInterval() != 500*time.Millisecond || s.FreezeTimeout() != 5*time.Second {
		t.Errorf("intervals = %v %v", s.PollInterval(), s.FreezeTimeout())
	}
	if s.MergeMaxLength() != 100 || s.Verbosity() != "quiet" {
		t.Errorf("merge=%d verbosity=%q", s.MergeMaxLength(), s.Verbosity())
	}
}

func TestLoadFileBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[telegram\nbot_token="), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvTokenOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "from-env")
	s, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Telegram.BotToken != "from-env" {
		t.Fatalf("token = %q", s.Telegram.BotToken)
	}
}

func TestDirHonoursEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TOPICDECK_DIR", dir)
	if Dir() != dir {
		t.Fatalf("Dir = %q", Dir())
	}
	if StateFile() != filepath.Join(dir, "state.json") {
		t.Fatalf("StateFile = %q", StateFile())
	}
}

func TestLoadCachesAndReload(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TOPICDECK_DIR", dir)
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Cleanup(func() {
		cacheMu.Lock()
		cache = nil
		cacheMu.Unlock()
	})

	if _, err := Reload(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(Path(), []byte("[tmux]\nsession_name = \"x\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, _ := Load()
	if s.TmuxSession() != "topicdeck" {
		t.Fatalf("cached value should still be default, got %q", s.TmuxSession())
	}
	s, _ = Reload()
	if s.TmuxSession() != "x" {
		t.Fatalf("after reload = %q", s.TmuxSession())
	}
}
