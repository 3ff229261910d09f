package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 8765 {
		t.Errorf("server defaults = %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.FFmpeg.VideoCodec != "libx264" || cfg.FFmpeg.Framerate != 30 {
		t.Errorf("ffmpeg defaults = %+v", cfg.FFmpeg)
	}
	if cfg.Source.Type != SourceScreen {
		t.Errorf("source type default = %q", cfg.Source.Type)
	}
	if cfg.Process.CrashThreshold != 3 || cfg.Process.CrashWindow != 60 || cfg.Process.ShutdownTimeout != 30 {
		t.Errorf("process defaults = %+v", cfg.Process)
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("logging level default = %q", cfg.Logging.Level)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"server": {"host": "127.0.0.1", "port": 9000},
		"ffmpeg": {"video_codec": "libx264", "bitrate": "4M", "framerate": 60},
		"source": {"type": "window", "window_title": "Notepad", "region": {"x": 10, "y": 20, "width": 800, "height": 600}},
		"process": {"crash_threshold": 5, "crash_window": 120, "shutdown_timeout": 10},
		"logging": {"level": "DEBUG", "file": "/tmp/stream.log"}
	}`))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.FFmpeg.Bitrate != "4M" || cfg.FFmpeg.Framerate != 60 {
		t.Errorf("ffmpeg = %+v", cfg.FFmpeg)
	}
	if cfg.Source.WindowTitle != "Notepad" {
		t.Errorf("window title = %q", cfg.Source.WindowTitle)
	}
	if cfg.Source.Region == nil || cfg.Source.Region.Width != 800 {
		t.Errorf("region = %+v", cfg.Source.Region)
	}
	if cfg.Process.CrashThreshold != 5 {
		t.Errorf("crash threshold = %d", cfg.Process.CrashThreshold)
	}
	if cfg.Logging.File != "/tmp/stream.log" {
		t.Errorf("log file = %q", cfg.Logging.File)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"top level", `{"sever": {}}`},
		{"server", `{"server": {"hostname": "x"}}`},
		{"ffmpeg", `{"ffmpeg": {"codec": "libx264"}}`},
		{"source", `{"source": {"type": "screen", "title": "x"}}`},
		{"process", `{"process": {"threshold": 3}}`},
		{"logging", `{"logging": {"verbosity": "DEBUG"}}`},
		{"region", `{"source": {"type": "screen", "region": {"x": 0, "y": 0, "w": 10, "h": 10}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			var cfgErr *Error
			if !errors.As(err, &cfgErr) {
				t.Errorf("expected *Error for unknown key, got %v", err)
			}
		})
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad port", `{"server": {"port": 99999}}`},
		{"bad framerate", `{"ffmpeg": {"framerate": 0}}`},
		{"bad bitrate", `{"ffmpeg": {"bitrate": "fast"}}`},
		{"bad source type", `{"source": {"type": "webcam"}}`},
		{"window without title", `{"source": {"type": "window"}}`},
		{"bad level", `{"logging": {"level": "LOUD"}}`},
		{"zero threshold", `{"process": {"crash_threshold": 0}}`},
		{"negative grace", `{"process": {"shutdown_timeout": -1}}`},
		{"float port", `{"server": {"port": 80.5}}`},
		{"invalid json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLogLevelEnvOverride(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	cfg, err := Load(writeConfig(t, `{"logging": {"level": "ERROR"}}`))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("level = %q, want DEBUG from LOG_LEVEL", cfg.Logging.Level)
	}
}

func TestLogLevelEnvInvalid(t *testing.T) {
	t.Setenv("LOG_LEVEL", "NOISY")
	if _, err := Load(writeConfig(t, `{}`)); err == nil {
		t.Error("expected error for invalid LOG_LEVEL")
	}
}

func TestShutdownTimeoutZeroAllowed(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"process": {"shutdown_timeout": 0}}`))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Process.ShutdownTimeout != 0 {
		t.Errorf("shutdown_timeout = %d, want 0", cfg.Process.ShutdownTimeout)
	}
}
