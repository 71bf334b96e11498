package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/common"
)

// Transcoder converts arbitrary audio into an Ogg/Opus voice note.
type Transcoder interface {
	ToVoiceNote(ctx context.Context, audio []byte) ([]byte, error)
}

// Command is a process invocation fed through stdin.
type Command struct {
	Name  string
	Args  []string
	Stdin []byte
}

// CommandRunner executes a Command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	command := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	command.Stdin = bytes.NewReader(cmd.Stdin)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", err, common.TruncateRaw(msg, common.DefaultRawBodyLimit))
	}
	return stdout.Bytes(), nil
}

var voiceNoteArgs = []string{
	"-hide_banner", "-loglevel", "error",
	"-i", "pipe:0",
	"-vn", "-ac", "1", "-ar", "48000",
	"-c:a", "libopus", "-b:a", "32k",
	"-f", "ogg", "pipe:1",
}

// FFmpeg transcodes through an ffmpeg binary.
type FFmpeg struct {
	path   string
	runner CommandRunner
	logger zerolog.Logger
}

var _ Transcoder = (*FFmpeg)(nil)

// NewFFmpeg returns a transcoder invoking the binary at path. A nil runner
// uses ExecRunner.
func NewFFmpeg(path string, runner CommandRunner, logger zerolog.Logger) *FFmpeg {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &FFmpeg{path: path, runner: runner, logger: logger.With().Str("component", "transcoder").Logger()}
}

// ToVoiceNote implements Transcoder.
func (f *FFmpeg) ToVoiceNote(ctx context.Context, audio []byte) ([]byte, error) {
	if len(audio) == 0 {
		return nil, common.WrapPermanent(errors.New("transcoder: empty input"))
	}
	out, err := f.runner.Run(ctx, Command{Name: f.path, Args: voiceNoteArgs, Stdin: audio})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("transcoder: ffmpeg: %w", ctxErr)
		}
		return nil, common.WrapPermanent(fmt.Errorf("transcoder: ffmpeg: %w", err))
	}
	if len(out) == 0 {
		return nil, common.WrapPermanent(errors.New("transcoder: ffmpeg produced no output"))
	}
	f.logger.Debug().Int("in_bytes", len(audio)).Int("out_bytes", len(out)).Msg("transcoder: voice note encoded")
	return out, nil
}
