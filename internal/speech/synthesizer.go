// Package speech turns agent text into playable audio by running an external
// text-to-speech command, and optionally publishes the result to S3.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/wolfman30/prospecting-agent/pkg/logging"
)

const defaultTimeout = 30 * time.Second

// ErrArtifactMissing is returned when the command exits cleanly but the
// expected audio file was not produced.
var ErrArtifactMissing = errors.New("speech: audio artifact not produced")

// Synthesizer produces an audio artifact for text addressed to recipient and
// returns its location.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, recipient string) (string, error)
}

var emojiPattern = regexp.MustCompile(`[\x{1F000}-\x{1FAFF}\x{2600}-\x{27BF}\x{2B00}-\x{2BFF}\x{FE0F}\x{200D}\x{20E3}]`)

// CommandSynthesizer runs `<command> <script> <text> <out.mp3>` and expects the
// command to leave `<out>.ogg` next to the requested path.
type CommandSynthesizer struct {
	command string
	script  string
	outDir  string
	timeout time.Duration
	logger  *logging.Logger
	now     func() time.Time
}

type CommandConfig struct {
	Command string
	Script  string
	OutDir  string
	Timeout time.Duration
	Logger  *logging.Logger
}

var _ Synthesizer = (*CommandSynthesizer)(nil)

func NewCommandSynthesizer(cfg CommandConfig) (*CommandSynthesizer, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("speech: command is required")
	}
	if strings.TrimSpace(cfg.OutDir) == "" {
		cfg.OutDir = "audios"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("speech: create output dir: %w", err)
	}
	return &CommandSynthesizer{
		command: cfg.Command,
		script:  cfg.Script,
		outDir:  cfg.OutDir,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		now:     time.Now,
	}, nil
}

func (s *CommandSynthesizer) Synthesize(ctx context.Context, text, recipient string) (string, error) {
	text = StripEmojis(text)
	if text == "" {
		return "", errors.New("speech: nothing to synthesize")
	}
	mp3Path := filepath.Join(s.outDir, fmt.Sprintf("resposta-%s-%d.mp3", digitsOnly(recipient), s.now().UnixMilli()))
	oggPath := strings.TrimSuffix(mp3Path, ".mp3") + ".ogg"

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := make([]string, 0, 3)
	if s.script != "" {
		args = append(args, s.script)
	}
	args = append(args, text, mp3Path)
	cmd := exec.CommandContext(runCtx, s.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Grandchildren may hold stderr open after the command is killed.
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("speech: synthesis timed out after %s", s.timeout)
		}
		s.logger.Error("tts command failed", "recipient", recipient, "stderr", strings.TrimSpace(stderr.String()), "error", err)
		return "", fmt.Errorf("speech: tts command failed: %w", err)
	}
	if _, err := os.Stat(oggPath); err != nil {
		return "", fmt.Errorf("%w: %s", ErrArtifactMissing, oggPath)
	}
	s.logger.Debug("audio synthesized", "recipient", recipient, "path", oggPath, "elapsed", time.Since(start))
	return oggPath, nil
}

// StripEmojis removes emoji code points so the voice does not read them out.
func StripEmojis(text string) string {
	return strings.TrimSpace(emojiPattern.ReplaceAllString(text, ""))
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "0"
	}
	return b.String()
}
