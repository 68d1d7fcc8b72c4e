package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Settings is the decoded form of ~/.topicdeck/config.toml.
type Settings struct {
	// DefaultVerbosity applies to users who never ran /verbosity.
	// Valid values: "quiet", "normal" (default), "verbose"
	DefaultVerbosity string `toml:"default_verbosity"`

	Telegram TelegramSettings `toml:"telegram"`
	Tmux     TmuxSettings     `toml:"tmux"`
	Monitor  MonitorSettings  `toml:"monitor"`
	Claude   ClaudeSettings   `toml:"claude"`
	Dispatch DispatchSettings `toml:"dispatch"`
	Logs     LogSettings      `toml:"logs"`
	Web      WebSettings      `toml:"web"`
}

type TelegramSettings struct {
	// BotToken may be left empty and supplied via TELEGRAM_BOT_TOKEN.
	BotToken string `toml:"bot_token"`

	// AllowedUsers lists Telegram user ids permitted to talk to the bot.
	AllowedUsers []int64 `toml:"allowed_users"`

	// GroupChatID is the forum supergroup. When zero, messages go to the
	// user's private chat (topics in private chats).
	GroupChatID int64 `toml:"group_chat_id"`

	// APIBaseURL overrides https://api.telegram.org (tests, local Bot API server).
	APIBaseURL string `toml:"api_base_url"`
}

type TmuxSettings struct {
	// SessionName is the tmux session that hosts agent windows. Default: "topicdeck"
	SessionName string `toml:"session_name"`

	// MainWindowName is skipped when listing windows. Default: "__main__"
	MainWindowName string `toml:"main_window_name"`
}

type MonitorSettings struct {
	PollIntervalMs      int  `toml:"poll_interval_ms"`
	StatusIntervalMs    int  `toml:"status_interval_ms"`
	FreezeTimeoutS      int  `toml:"freeze_timeout_s"`
	TopicCheckIntervalS int  `toml:"topic_check_interval_s"`
	DisableMapWatcher   bool `toml:"disable_map_watcher"`
}

type ClaudeSettings struct {
	// ProjectsPath holds Claude Code transcripts. Default: ~/.claude/projects
	ProjectsPath string `toml:"projects_path"`

	// Command starts the agent in new windows. Default: "claude"
	Command string `toml:"command"`
}

type DispatchSettings struct {
	SendIntervalMs int `toml:"send_interval_ms"`
	MergeMaxLength int `toml:"merge_max_length"`
	MaxRetries     int `toml:"max_retries"`
}

type LogSettings struct {
	Level         string `toml:"level"`
	Format        string `toml:"format"`
	MaxMB         int    `toml:"max_mb"`
	Backups       int    `toml:"backups"`
	RetentionDays int    `toml:"retention_days"`
	Compress      bool   `toml:"compress"`
	RingBufferMB  int    `toml:"ring_buffer_mb"`
	PprofAddr     string `toml:"pprof_addr"`
}

type WebSettings struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	Token   string `toml:"token"`
}

var (
	cache   *Settings
	cacheMu sync.RWMutex
)

// Dir returns the state directory, honouring TOPICDECK_DIR.
func Dir() string {
	if d := os.Getenv("TOPICDECK_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".topicdeck")
	}
	return filepath.Join(home, ".topicdeck")
}

// Path returns the config file location.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// Load reads config.toml once and caches it. A missing file yields the
// zero Settings (getters apply defaults). A parse error is returned but the
// zero Settings are still cached so callers can keep running.
func Load() (*Settings, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	s, err := LoadFile(Path())
	if err != nil {
		cache = &Settings{}
		cache.applyEnv()
		return cache, err
	}
	cache = s
	return cache, nil
}

// LoadFile decodes one config file without touching the cache.
func LoadFile(path string) (*Settings, error) {
	var s Settings
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.applyEnv()
		return &s, nil
	}
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("config.toml parse error: %w", err)
	}
	s.applyEnv()
	return &s, nil
}

// Reload drops the cache and reads the file again.
func Reload() (*Settings, error) {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
	return Load()
}

func (s *Settings) applyEnv() {
	if tok := os.Getenv("TELEGRAM_BOT_TOKEN"); tok != "" {
		s.Telegram.BotToken = tok
	}
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// --- getters with defaults ---

func (s *Settings) Verbosity() string {
	switch s.DefaultVerbosity {
	case "quiet", "normal", "verbose":
		return s.DefaultVerbosity
	}
	return "normal"
}

func (s *Settings) TmuxSession() string {
	if s.Tmux.SessionName == "" {
		return "topicdeck"
	}
	return s.Tmux.SessionName
}

func (s *Settings) MainWindowName() string {
	if s.Tmux.MainWindowName == "" {
		return "__main__"
	}
	return s.Tmux.MainWindowName
}

func (s *Settings) PollInterval() time.Duration {
	return millis(s.Monitor.PollIntervalMs, 2000)
}

func (s *Settings) StatusInterval() time.Duration {
	return millis(s.Monitor.StatusIntervalMs, 1000)
}

func (s *Settings) FreezeTimeout() time.Duration {
	return seconds(s.Monitor.FreezeTimeoutS, 60)
}

func (s *Settings) TopicCheckInterval() time.Duration {
	return seconds(s.Monitor.TopicCheckIntervalS, 60)
}

func (s *Settings) ProjectsPath() string {
	if s.Claude.ProjectsPath == "" {
		return ExpandHome("~/.claude/projects")
	}
	return ExpandHome(s.Claude.ProjectsPath)
}

func (s *Settings) ClaudeCommand() string {
	if s.Claude.Command == "" {
		return "claude"
	}
	return s.Claude.Command
}

func (s *Settings) SendInterval() time.Duration {
	return millis(s.Dispatch.SendIntervalMs, 1100)
}

func (s *Settings) MergeMaxLength() int {
	if s.Dispatch.MergeMaxLength <= 0 {
		return 3800
	}
	return s.Dispatch.MergeMaxLength
}

func (s *Settings) MaxRetries() int {
	if s.Dispatch.MaxRetries <= 0 {
		return 3
	}
	return s.Dispatch.MaxRetries
}

func (s *Settings) WebListen() string {
	if s.Web.Listen == "" {
		return "127.0.0.1:8421"
	}
	return s.Web.Listen
}

// IsAllowed reports whether a Telegram user may use the bot. An empty
// allow-list denies everyone.
func (s *Settings) IsAllowed(userID int64) bool {
	for _, id := range s.Telegram.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// State file locations.

func StateFile() string      { return filepath.Join(Dir(), "state.json") }
func SessionMapFile() string { return filepath.Join(Dir(), "session_map.json") }
func OffsetsFile() string    { return filepath.Join(Dir(), "monitor_state.json") }
func HistoryDBFile() string  { return filepath.Join(Dir(), "history.db") }

func millis(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}
