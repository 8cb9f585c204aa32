package sink

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/dustin/go-humanize"

	"fisheyepano/internal/logging"
)

// CommandFunc builds the encoder process; exec.CommandContext by default.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// VideoOptions configures a VideoWriter.
type VideoOptions struct {
	Path    string
	FFmpeg  string
	FPS     int
	Codec   string
	Command CommandFunc
	Logger  *slog.Logger
}

// VideoWriter pipes raw RGBA frames into ffmpeg. The encoder starts with the
// first frame, whose size every later frame must match.
type VideoWriter struct {
	ctx    context.Context
	opts   VideoOptions
	log    *slog.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output bytes.Buffer
	size   image.Point
	bytes  uint64
	frames int
}

// NewVideoWriter prepares a writer; ctx bounds the encoder's lifetime.
func NewVideoWriter(ctx context.Context, opts VideoOptions) *VideoWriter {
	if opts.FFmpeg == "" {
		opts.FFmpeg = "ffmpeg"
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	if opts.Codec == "" {
		opts.Codec = "libx264"
	}
	if opts.Command == nil {
		opts.Command = exec.CommandContext
	}
	return &VideoWriter{ctx: ctx, opts: opts, log: logging.OrDefault(opts.Logger)}
}

// Args is the ffmpeg command line for frames of the given size.
func (v *VideoWriter) Args(size image.Point) []string {
	return []string{
		"-y", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", size.X, size.Y),
		"-r", strconv.Itoa(v.opts.FPS),
		"-i", "-",
		"-c:v", v.opts.Codec,
		"-pix_fmt", "yuv420p",
		v.opts.Path,
	}
}

func (v *VideoWriter) start(size image.Point) error {
	cmd := v.opts.Command(v.ctx, v.opts.FFmpeg, v.Args(size)...)
	cmd.Stdout = &v.output
	cmd.Stderr = &v.output
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", v.opts.FFmpeg, err)
	}
	v.cmd = cmd
	v.stdin = stdin
	v.size = size
	v.log.Info("video encoder started", "path", v.opts.Path, "size", fmt.Sprintf("%dx%d", size.X, size.Y), "fps", v.opts.FPS, "codec", v.opts.Codec)
	return nil
}

func (v *VideoWriter) WriteFrame(index int, img *image.RGBA) error {
	if err := checkSize(img); err != nil {
		return err
	}
	size := img.Bounds().Size()
	if v.cmd == nil {
		if err := v.start(size); err != nil {
			return err
		}
	}
	if size != v.size {
		return fmt.Errorf("frame %d is %v, video is %v", index, size, v.size)
	}
	img = compact(img)
	n, err := v.stdin.Write(img.Pix)
	v.bytes += uint64(n)
	if err != nil {
		return fmt.Errorf("write frame %d to encoder: %w", index, err)
	}
	v.frames++
	return nil
}

// Close ends the stream and waits for the encoder.
func (v *VideoWriter) Close() error {
	if v.cmd == nil {
		return nil
	}
	cerr := v.stdin.Close()
	err := v.cmd.Wait()
	v.cmd = nil
	if err != nil {
		return fmt.Errorf("%s failed: %w, output: %s", v.opts.FFmpeg, err, v.output.String())
	}
	v.log.Info("video encoder finished", "path", v.opts.Path, "frames", v.frames, "raw", humanize.Bytes(v.bytes))
	return cerr
}
