package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/cowcowlabs/cowcow/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecSource runs a capture command (arecord, sox, ffmpeg...) that writes
// raw little-endian 16-bit mono PCM to stdout.
type ExecSource struct {
	args    []string
	rate    int
	samples int
	buffer  int
	log     *slog.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

func NewExecSource(command string, audioCfg config.AudioConfig, buffer int, log *slog.Logger) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &ExecSource{
		args:    args,
		rate:    audioCfg.SampleRate,
		samples: audioCfg.WindowSamples(),
		buffer:  buffer,
		log:     log.With(slog.String("component", "capture"), slog.String("command", args[0])),
	}, nil
}

func (s *ExecSource) Start(ctx context.Context) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil, errors.New("capture already started")
	}

	command := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	if err := command.Start(); err != nil {
		return nil, deviceError(err)
	}
	s.cmd = command
	s.log.Info("capture started", slog.Int("sample_rate", s.rate))

	out := make(chan Event, s.buffer)
	go func() {
		defer close(out)
		f := newFramer(s.rate, s.samples)
		chunk := make([]byte, s.samples*2)
		for {
			n, readErr := io.ReadFull(stdout, chunk)
			if n > 0 {
				windows, err := f.push(chunk[:n])
				for _, w := range windows {
					if !emit(ctx, out, Event{Window: w}) {
						_ = command.Wait()
						return
					}
				}
				if err != nil {
					emit(ctx, out, Event{Err: deviceError(err)})
					_ = command.Wait()
					return
				}
			}
			if readErr == nil {
				continue
			}
			waitErr := command.Wait()
			if ctx.Err() != nil {
				return
			}
			switch {
			case waitErr != nil:
				emit(ctx, out, Event{Err: deviceError(fmt.Errorf("%w: %s", waitErr, bytes.TrimSpace(stderr.Bytes())))})
			case !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF):
				emit(ctx, out, Event{Err: deviceError(readErr)})
			default:
				if w, ok := f.flush(); ok {
					emit(ctx, out, Event{Window: w})
				}
			}
			return
		}
	}()
	return out, nil
}

// Close kills the capture process if it is still running.
func (s *ExecSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
