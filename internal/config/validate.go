package config

import (
	"regexp"
	"strings"
)

var bitratePattern = regexp.MustCompile(`^[0-9]+[kKmM]?$`)

var logLevels = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

func validLogLevel(level string) bool {
	for _, l := range logLevels {
		if strings.EqualFold(level, l) {
			return true
		}
	}
	return false
}

// fromRaw converts the decoded JSON document into a Config, rejecting
// unknown keys at every level and range-checking values.
func fromRaw(raw map[string]any) (*Config, error) {
	if err := checkKeys("", raw, "server", "ffmpeg", "source", "process", "logging"); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: Server{Host: DefaultHost, Port: DefaultPort},
		FFmpeg: FFmpeg{
			Path:       DefaultFFmpegPath,
			VideoCodec: DefaultVideoCodec,
			AudioCodec: DefaultAudioCodec,
			Bitrate:    DefaultBitrate,
			Framerate:  DefaultFramerate,
			Preset:     DefaultPreset,
			Tune:       DefaultTune,
		},
		Source: Source{Type: SourceScreen, DisplayIndex: 1},
		Process: Process{
			CrashThreshold:  DefaultCrashThreshold,
			CrashWindow:     DefaultCrashWindow,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Logging: Logging{Level: DefaultLogLevel},
	}

	if err := parseServer(raw, cfg); err != nil {
		return nil, err
	}
	if err := parseFFmpeg(raw, cfg); err != nil {
		return nil, err
	}
	if err := parseSource(raw, cfg); err != nil {
		return nil, err
	}
	if err := parseProcess(raw, cfg); err != nil {
		return nil, err
	}
	if err := parseLogging(raw, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseServer(raw map[string]any, cfg *Config) error {
	section, ok, err := subsection(raw, "server")
	if err != nil || !ok {
		return err
	}
	if err := checkKeys("server", section, "host", "port"); err != nil {
		return err
	}
	if v, exists := section["host"]; exists {
		s, err := asString("server.host", v)
		if err != nil {
			return err
		}
		cfg.Server.Host = s
	}
	if v, exists := section["port"]; exists {
		n, err := asInt("server.port", v)
		if err != nil {
			return err
		}
		if n < 1 || n > 65535 {
			return errf("server.port", "must be 1..65535, got %d", n)
		}
		cfg.Server.Port = n
	}
	return nil
}

func parseFFmpeg(raw map[string]any, cfg *Config) error {
	section, ok, err := subsection(raw, "ffmpeg")
	if err != nil || !ok {
		return err
	}
	if err := checkKeys("ffmpeg", section,
		"ffmpeg_path", "video_codec", "audio_codec", "bitrate", "framerate", "preset", "tune"); err != nil {
		return err
	}

	stringFields := map[string]*string{
		"ffmpeg_path": &cfg.FFmpeg.Path,
		"video_codec": &cfg.FFmpeg.VideoCodec,
		"audio_codec": &cfg.FFmpeg.AudioCodec,
		"bitrate":     &cfg.FFmpeg.Bitrate,
		"preset":      &cfg.FFmpeg.Preset,
		"tune":        &cfg.FFmpeg.Tune,
	}
	for key, dst := range stringFields {
		if v, exists := section[key]; exists {
			s, err := asString("ffmpeg."+key, v)
			if err != nil {
				return err
			}
			*dst = s
		}
	}

	if !bitratePattern.MatchString(cfg.FFmpeg.Bitrate) {
		return errf("ffmpeg.bitrate", "must look like 2M or 2500k, got %q", cfg.FFmpeg.Bitrate)
	}

	if v, exists := section["framerate"]; exists {
		n, err := asInt("ffmpeg.framerate", v)
		if err != nil {
			return err
		}
		if n < 1 || n > 240 {
			return errf("ffmpeg.framerate", "must be 1..240, got %d", n)
		}
		cfg.FFmpeg.Framerate = n
	}
	return nil
}

func parseSource(raw map[string]any, cfg *Config) error {
	section, ok, err := subsection(raw, "source")
	if err != nil || !ok {
		return err
	}
	if err := checkKeys("source", section,
		"type", "display_index", "window_title", "window_title_pattern", "window_class",
		"find_by_substring", "case_sensitive", "region"); err != nil {
		return err
	}

	if v, exists := section["type"]; exists {
		s, err := asString("source.type", v)
		if err != nil {
			return err
		}
		switch s {
		case SourceScreen, SourceWindow, SourceWindowRegion, SourceWindowBG:
			cfg.Source.Type = s
		default:
			return errf("source.type", "unknown source type %q", s)
		}
	}

	if v, exists := section["display_index"]; exists {
		n, err := asInt("source.display_index", v)
		if err != nil {
			return err
		}
		cfg.Source.DisplayIndex = n
	}
	if v, exists := section["window_title"]; exists {
		s, err := asString("source.window_title", v)
		if err != nil {
			return err
		}
		cfg.Source.WindowTitle = s
	}
	if v, exists := section["window_title_pattern"]; exists {
		s, err := asString("source.window_title_pattern", v)
		if err != nil {
			return err
		}
		cfg.Source.WindowTitlePattern = s
	}
	if v, exists := section["window_class"]; exists {
		s, err := asString("source.window_class", v)
		if err != nil {
			return err
		}
		cfg.Source.WindowClass = s
	}
	if v, exists := section["find_by_substring"]; exists {
		b, err := asBool("source.find_by_substring", v)
		if err != nil {
			return err
		}
		cfg.Source.FindBySubstring = b
	}
	if v, exists := section["case_sensitive"]; exists {
		b, err := asBool("source.case_sensitive", v)
		if err != nil {
			return err
		}
		cfg.Source.CaseSensitive = b
	}

	if v, exists := section["region"]; exists && v != nil {
		regionMap, ok := v.(map[string]any)
		if !ok {
			return errf("source.region", "must be an object")
		}
		if err := checkKeys("source.region", regionMap, "x", "y", "width", "height"); err != nil {
			return err
		}
		region := &Region{}
		for key, dst := range map[string]*int{
			"x": &region.X, "y": &region.Y, "width": &region.Width, "height": &region.Height,
		} {
			rv, exists := regionMap[key]
			if !exists {
				return errf("source.region."+key, "required")
			}
			n, err := asInt("source.region."+key, rv)
			if err != nil {
				return err
			}
			*dst = n
		}
		if region.Width < 1 || region.Height < 1 {
			return errf("source.region", "width and height must be positive")
		}
		cfg.Source.Region = region
	}

	windowType := cfg.Source.Type != SourceScreen
	if windowType && cfg.Source.WindowTitle == "" && cfg.Source.WindowTitlePattern == "" && cfg.Source.WindowClass == "" {
		return errf("source", "window sources need window_title, window_title_pattern, or window_class")
	}
	return nil
}

func parseProcess(raw map[string]any, cfg *Config) error {
	section, ok, err := subsection(raw, "process")
	if err != nil || !ok {
		return err
	}
	if err := checkKeys("process", section, "crash_threshold", "crash_window", "shutdown_timeout"); err != nil {
		return err
	}

	fields := []struct {
		key string
		dst *int
		min int
	}{
		{"crash_threshold", &cfg.Process.CrashThreshold, 1},
		{"crash_window", &cfg.Process.CrashWindow, 1},
		{"shutdown_timeout", &cfg.Process.ShutdownTimeout, 0},
	}
	for _, f := range fields {
		if v, exists := section[f.key]; exists {
			n, err := asInt("process."+f.key, v)
			if err != nil {
				return err
			}
			if n < f.min {
				return errf("process."+f.key, "must be >= %d, got %d", f.min, n)
			}
			*f.dst = n
		}
	}
	return nil
}

func parseLogging(raw map[string]any, cfg *Config) error {
	section, ok, err := subsection(raw, "logging")
	if err != nil || !ok {
		return err
	}
	if err := checkKeys("logging", section, "level", "file"); err != nil {
		return err
	}
	if v, exists := section["level"]; exists {
		s, err := asString("logging.level", v)
		if err != nil {
			return err
		}
		if !validLogLevel(s) {
			return errf("logging.level", "must be one of %s, got %q", strings.Join(logLevels, ", "), s)
		}
		cfg.Logging.Level = s
	}
	if v, exists := section["file"]; exists && v != nil {
		s, err := asString("logging.file", v)
		if err != nil {
			return err
		}
		cfg.Logging.File = s
	}
	return nil
}

func subsection(raw map[string]any, key string) (map[string]any, bool, error) {
	v, exists := raw[key]
	if !exists || v == nil {
		return nil, false, nil
	}
	section, ok := v.(map[string]any)
	if !ok {
		return nil, false, errf(key, "must be an object")
	}
	return section, true, nil
}

func checkKeys(path string, section map[string]any, allowed ...string) error {
	for key := range section {
		found := false
		for _, a := range allowed {
			if key == a {
				found = true
				break
			}
		}
		if !found {
			full := key
			if path != "" {
				full = path + "." + key
			}
			return errf(full, "unknown key")
		}
	}
	return nil
}

func asString(path string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errf(path, "must be a string")
	}
	return s, nil
}

func asInt(path string, v any) (int, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, errf(path, "must be an integer")
	}
	n := int(f)
	if float64(n) != f {
		return 0, errf(path, "must be an integer, got %v", v)
	}
	return n, nil
}

func asBool(path string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, errf(path, "must be a boolean")
	}
	return b, nil
}
