package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Output is the interface for audio output backends
type Output interface {
	Write(p []byte) (int, error)
	SampleRate() int
	Channels() int
}

// FFmpegDecoder uses FFmpeg for stream decoding
type FFmpegDecoder struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegDecoder creates a new FFmpeg-based decoder
func NewFFmpegDecoder() (*FFmpegDecoder, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	return &FFmpegDecoder{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}, nil
}

func isNetworkURI(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

// inputArgs returns the ffmpeg input options for uri
func inputArgs(uri string, startMs int64) []string {
	var args []string
	if isNetworkURI(uri) {
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "5")
	}
	if startMs > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", float64(startMs)/1000.0))
	}
	return append(args, "-i", uri)
}

// DecodeFrom decodes uri starting at startMs and writes s16le PCM to output.
// Failures carry the tail of ffmpeg's stderr so HTTP status lines survive.
func (d *FFmpegDecoder) DecodeFrom(ctx context.Context, uri string, output Output, startMs int64) error {
	args := []string{"-nostdin", "-v", "error"}
	args = append(args, inputArgs(uri, startMs)...)
	args = append(args,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(output.Channels()),
		"-ar", strconv.Itoa(output.SampleRate()),
		"-",
	)

	cmd := exec.CommandContext(ctx, d.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waited := false
	defer func() {
		if !waited && cmd.Process != nil {
			cmd.Process.Kill()
			cmd.Wait()
		}
	}()

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := stdout.Read(buf)
		if n > 0 {
			if _, writeErr := output.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("failed to write to output: %w", writeErr)
			}
		}
		if err != nil {
			break
		}
	}

	waited = true
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, stderrTail(stderr.String()))
	}
	return nil
}

// Probe checks that uri can be opened and returns its duration. Streams
// without a known duration report 0.
func (d *FFmpegDecoder) Probe(ctx context.Context, uri string) (time.Duration, error) {
	args := []string{"-v", "error"}
	if isNetworkURI(uri) {
		args = append(args, "-rw_timeout", "15000000")
	}
	args = append(args,
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		uri,
	)

	cmd := exec.CommandContext(ctx, d.ffprobePath, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return 0, fmt.Errorf("ffprobe failed: %w: %s", err, stderrTail(string(exitErr.Stderr)))
		}
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	durationSec, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, nil
	}
	return time.Duration(durationSec * float64(time.Second)), nil
}

// stderrTail flattens the end of ffmpeg's stderr into one line
func stderrTail(s string) string {
	const maxLen = 512
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[len(s)-maxLen:]
	}
	return strings.ReplaceAll(s, "\n", "; ")
}

// Close releases decoder resources
func (d *FFmpegDecoder) Close() error {
	return nil
}
