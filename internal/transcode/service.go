// Package transcode converts audio files to a device's preferred format with ffmpeg.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	FFmpegCommand  = "ffmpeg"
	FFprobeCommand = "ffprobe"
	FFprobeLogLvl  = "error"
	TempPrefix     = "psync-"
)

// codecs maps a target format to the ffmpeg audio encoder arguments.
var codecs = map[string][]string{
	"mp3":  {"-c:a", "libmp3lame", "-q:a", "2"},
	"ogg":  {"-c:a", "libvorbis", "-q:a", "5"},
	"opus": {"-c:a", "libopus", "-b:a", "128k"},
	"m4a":  {"-c:a", "aac", "-b:a", "192k"},
	"aac":  {"-c:a", "aac", "-b:a", "192k"},
	"flac": {"-c:a", "flac"},
	"wav":  {"-c:a", "pcm_s16le"},
}

// ErrUnsupportedFormat is returned for targets without an encoder mapping.
var ErrUnsupportedFormat = errors.New("unsupported transcode target")

// Result is delivered once per Start call.
type Result struct {
	Path string
	Err  error
}

// Options configures the service.
type Options struct {
	TempDir string
	FFmpeg  string
	FFprobe string
	Logger  *log.Logger
}

// Service runs one ffmpeg process per request.
type Service struct {
	tempDir string
	ffmpeg  string
	ffprobe string
	logger  *log.Logger
}

// NewService creates a transcode service writing into opts.TempDir.
func NewService(opts Options) *Service {
	s := &Service{
		tempDir: opts.TempDir,
		ffmpeg:  opts.FFmpeg,
		ffprobe: opts.FFprobe,
		logger:  opts.Logger,
	}
	if s.tempDir == "" {
		s.tempDir = os.TempDir()
	}
	if s.ffmpeg == "" {
		s.ffmpeg = FFmpegCommand
	}
	if s.ffprobe == "" {
		s.ffprobe = FFprobeCommand
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s
}

// Start converts src to format in the background. The returned channel
// receives exactly one result and is then closed. Canceling ctx kills ffmpeg.
func (s *Service) Start(ctx context.Context, src, format string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		path, err := s.run(ctx, src, strings.ToLower(format))
		out <- Result{Path: path, Err: err}
	}()
	return out
}

func (s *Service) run(ctx context.Context, src, format string) (string, error) {
	codec, ok := codecs[format]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("input file: %w", err)
	}
	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return "", err
	}

	output := filepath.Join(s.tempDir, TempPrefix+uuid.NewString()+"."+format)
	args := s.BuildFFmpegArgs(src, output, codec)
	s.logger.Debugf("transcoding %s to %s", src, format)

	cmd := exec.CommandContext(ctx, s.ffmpeg, args...)
	if combined, err := cmd.CombinedOutput(); err != nil {
		os.Remove(output)
		return "", fmt.Errorf("ffmpeg: %w: %s", err, lastLine(string(combined)))
	}

	info, err := s.Probe(ctx, output)
	if err != nil {
		os.Remove(output)
		return "", err
	}
	if info.Duration <= 0 {
		os.Remove(output)
		return "", fmt.Errorf("ffmpeg produced no audio for %s", src)
	}
	s.logger.Debugf("transcoded %s (%.1fs) to %s", src, info.Duration, output)
	return output, nil
}

// BuildFFmpegArgs builds the ffmpeg command line for one conversion.
func (s *Service) BuildFFmpegArgs(input, output string, codec []string) []string {
	args := []string{
		"-y",
		"-nostdin",
		"-loglevel", "error",
		"-i", input,
		"-vn",
		"-map_metadata", "0",
	}
	args = append(args, codec...)
	return append(args, output)
}

// ProbeInfo is the subset of ffprobe output the service checks.
type ProbeInfo struct {
	Duration float64
	Codec    string
	Bitrate  int
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

// Probe reads duration and codec of an audio file with ffprobe.
func (s *Service) Probe(ctx context.Context, path string) (ProbeInfo, error) {
	cmd := exec.CommandContext(ctx, s.ffprobe,
		"-v", FFprobeLogLvl,
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	data, err := cmd.Output()
	if err != nil {
		return ProbeInfo{}, fmt.Errorf("failed to run ffprobe: %w", err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ProbeInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var info ProbeInfo
	info.Duration, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	if br, err := strconv.Atoi(parsed.Format.BitRate); err == nil {
		info.Bitrate = br / 1000
	}
	for _, st := range parsed.Streams {
		if st.CodecType == "audio" {
			info.Codec = st.CodecName
			break
		}
	}
	return info, nil
}

// Formats lists the supported target formats.
func Formats() []string {
	out := make([]string, 0, len(codecs))
	for f := range codecs {
		out = append(out, f)
	}
	return out
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
