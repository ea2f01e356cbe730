package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Writer is the configuration of the writer client. It is read from an
// optional TOML file and then overridden by LYRICSYNC_* environment variables.
type Writer struct {
	APIURL    string `toml:"api_url"`
	AssistURL string `toml:"assist_url"`
	CachePath string `toml:"cache_path"`
	Email     string `toml:"email"`
	Password  string `toml:"password"`
	Token     string `toml:"token"`
	WriterID  string `toml:"writer_id"`
	SessionID string `toml:"session_id"`

	RequestTimeout    duration `toml:"request_timeout"`
	ProbeInterval     duration `toml:"probe_interval"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	HistoryLimit      int      `toml:"history_limit"`
}

// duration decodes TOML strings such as "15s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func defaultWriter() Writer {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	return Writer{
		APIURL:            "http://localhost:8787",
		CachePath:         filepath.Join(cacheDir, "lyricsync", "writer.db"),
		RequestTimeout:    duration{10 * time.Second},
		ProbeInterval:     duration{15 * time.Second},
		HeartbeatInterval: duration{30 * time.Second},
		HistoryLimit:      50,
	}
}

// LoadWriter reads path when it exists. An empty path or a missing file
// yields the defaults; a malformed file is an error.
func LoadWriter(path string) (Writer, error) {
	cfg := defaultWriter()
	if path != "" {
		_, err := toml.DecodeFile(path, &cfg)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Writer{}, fmt.Errorf("read writer config %s: %w", path, err)
		}
	}

	cfg.APIURL = getenv("LYRICSYNC_API_URL", cfg.APIURL)
	cfg.AssistURL = getenv("LYRICSYNC_ASSIST_URL", cfg.AssistURL)
	cfg.CachePath = getenv("LYRICSYNC_CACHE_PATH", cfg.CachePath)
	cfg.Email = getenv("LYRICSYNC_EMAIL", cfg.Email)
	cfg.Password = getenv("LYRICSYNC_PASSWORD", cfg.Password)
	cfg.Token = getenv("LYRICSYNC_TOKEN", cfg.Token)
	cfg.SessionID = getenv("LYRICSYNC_SESSION", cfg.SessionID)
	cfg.HistoryLimit = getenvInt("LYRICSYNC_HISTORY_LIMIT", cfg.HistoryLimit)
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return cfg, nil
}
