package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"mediacast/pkg/logx"
)

// Exit codes the tool uses to classify failures (sysexits.h).
const (
	exitTempFail = 75
	exitDataErr  = 65
)

type ExecConfig struct {
	// Command is the tool binary. Args may reference {ref}, {kind} and {id}.
	Command string
	Args    []string
	Timeout time.Duration
}

// ExecFetcher runs an external command per request and decodes a single
// JSON object {artifactRef, title, durationSeconds} from its stdout.
type ExecFetcher struct {
	cfg ExecConfig
	log logx.Logger
}

func NewExecFetcher(cfg ExecConfig, log logx.Logger) *ExecFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ExecFetcher{cfg: cfg, log: log}
}

func (f *ExecFetcher) Fetch(ctx context.Context, req Request) (Artifact, error) {
	if strings.TrimSpace(f.cfg.Command) == "" {
		return Artifact{}, Permanent(errors.New("media: no fetch command configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	r := strings.NewReplacer("{ref}", req.TargetRef, "{kind}", req.Kind, "{id}", req.TaskID)
	args := make([]string, len(f.cfg.Args))
	for i, a := range f.cfg.Args {
		args[i] = r.Replace(a)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.cfg.Command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	f.log.Debug("fetch finished", logx.String("task_id", req.TaskID), logx.Duration("dur", time.Since(start)), logx.Err(err))
	if err != nil {
		return Artifact{}, classifyExit(ctx, err, stderr.String())
	}

	var a Artifact
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &a); err != nil {
		return Artifact{}, Permanent(fmt.Errorf("media: decode tool output: %w", err))
	}
	if a.Ref == "" {
		return Artifact{}, Permanent(errors.New("media: tool returned no artifact"))
	}
	return a, nil
}

func classifyExit(ctx context.Context, err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if len(msg) > 300 {
		msg = msg[:300]
	}
	if ctx.Err() != nil {
		return Retryable(fmt.Errorf("media: tool timed out: %w", ctx.Err()))
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		wrapped := fmt.Errorf("media: tool exit %d: %s", ee.ExitCode(), msg)
		switch ee.ExitCode() {
		case exitTempFail:
			return Retryable(wrapped)
		case exitDataErr:
			return Permanent(wrapped)
		}
		return wrapped
	}
	// Could not start the binary at all.
	return Permanent(fmt.Errorf("media: run tool: %w", err))
}
