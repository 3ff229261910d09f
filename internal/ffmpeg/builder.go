// Package ffmpeg builds the encoder command line and understands ffmpeg's
// stderr log format.
package ffmpeg

import (
	"fmt"
	"strconv"

	"screenstreamer/internal/config"
)

// Builder constructs the ffmpeg argv for a capture source. It implements
// process.CommandBuilder; the coordinator never sees the argv details.
type Builder struct {
	cfg *config.Config
}

// NewBuilder creates a command builder for the given configuration.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build assembles the full argv: capture input, video/audio encoding, and
// FLV output on stdout.
func (b *Builder) Build() ([]string, error) {
	args := []string{b.cfg.FFmpeg.Path}

	input, err := b.inputArgs()
	if err != nil {
		return nil, err
	}
	args = append(args, input...)
	args = append(args, b.videoArgs()...)
	args = append(args, b.audioArgs()...)
	args = append(args, b.outputArgs()...)

	return args, nil
}

// inputArgs selects the capture source.
func (b *Builder) inputArgs() ([]string, error) {
	src := b.cfg.Source

	args := []string{
		"-f", "gdigrab",
		"-framerate", strconv.Itoa(b.cfg.FFmpeg.Framerate),
		"-rtbufsize", "100M",
	}

	switch src.Type {
	case config.SourceScreen:
		args = append(args, "-i", "desktop")
	case config.SourceWindow, config.SourceWindowRegion, config.SourceWindowBG:
		title := src.WindowTitle
		if title == "" {
			title = src.WindowTitlePattern
		}
		if title == "" {
			return nil, fmt.Errorf("window source needs a window title")
		}
		args = append(args, "-i", "title="+title)
	default:
		return nil, fmt.Errorf("unsupported source type %q", src.Type)
	}

	if src.Region != nil {
		args = append(args,
			"-offset_x", strconv.Itoa(src.Region.X),
			"-offset_y", strconv.Itoa(src.Region.Y),
			"-video_size", fmt.Sprintf("%dx%d", src.Region.Width, src.Region.Height),
		)
	}

	return args, nil
}

// videoArgs encodes with FLV-compatible H.264 settings: baseline profile,
// yuv420p, and a fixed keyframe interval so late joiners bootstrap quickly.
func (b *Builder) videoArgs() []string {
	f := b.cfg.FFmpeg
	return []string{
		"-c:v", f.VideoCodec,
		"-preset", f.Preset,
		"-tune", f.Tune,
		"-profile:v", "baseline",
		"-level", "3.1",
		"-pix_fmt", "yuv420p",
		"-b:v", f.Bitrate,
		"-g", "30",
	}
}

func (b *Builder) audioArgs() []string {
	return []string{
		"-c:a", b.cfg.FFmpeg.AudioCodec,
		"-b:a", "128k",
		"-ar", "44100",
	}
}

// outputArgs emits FLV on stdout. The full header and metadata are kept so
// late joiners receive complete initialization data.
func (b *Builder) outputArgs() []string {
	return []string{"-f", "flv", "pipe:1"}
}
