package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"relay-backend/internal/config"
	"relay-backend/pkg/logger"
)

const (
	defaultCLIBinary  = "claude"
	defaultCLITimeout = 300 * time.Second
	maxStreamLine     = 4 << 20
)

// CLIRunner runs the model as a subprocess: `<binary> -p <prompt>`, resuming
// the conversation's session when a token is known. In stream mode the
// subprocess emits one JSON event per line; assistant events feed the draft
// and the final result event is returned as the raw output.
type CLIRunner struct {
	binary  string
	args    []string
	model   string
	timeout time.Duration
	stream  bool
}

func NewCLIRunner(cfg config.CLIConfig) *CLIRunner {
	c := &CLIRunner{
		binary:  cfg.Binary,
		args:    cfg.Args,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		stream:  cfg.Stream,
	}
	if c.binary == "" {
		c.binary = defaultCLIBinary
	}
	if c.timeout <= 0 {
		c.timeout = defaultCLITimeout
	}
	return c
}

// streamLine is the subset of a stream-json event the relay reads.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func (c *CLIRunner) buildArgs(req Request) []string {
	outputFormat := "json"
	if c.stream {
		outputFormat = "stream-json"
	}

	prompt := req.Prompt
	if req.SessionID == "" {
		prompt = composePrompt(req)
	}

	args := []string{"-p", prompt, "--output-format", outputFormat}
	if c.stream {
		args = append(args, "--verbose")
	}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	return append(args, c.args...)
}

func (c *CLIRunner) Run(ctx context.Context, req Request, onPartial PartialFunc) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary, c.buildArgs(req)...)
	// grandchildren holding the pipes open must not outlive the deadline
	cmd.WaitDelay = time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	var (
		raw string
		err error
	)
	if c.stream {
		raw, err = c.runStream(cmd, req.Key, onPartial)
	} else {
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		err = cmd.Run()
		raw = stdout.String()
	}

	if err != nil {
		return "", c.wrapError(ctx, err, stderr.String())
	}

	if strings.TrimSpace(raw) == "" {
		return "", ErrEmptyOutput
	}
	return raw, nil
}

func (c *CLIRunner) runStream(cmd *exec.Cmd, key string, onPartial PartialFunc) (string, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", err
	}

	var (
		text   strings.Builder
		result string
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev streamLine
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			logger.Conversation(key).Debugf("cli: skipping non-JSON line: %s", truncateString(line, 200))
			continue
		}

		switch ev.Type {
		case "assistant":
			grew := false
			for _, block := range ev.Message.Content {
				if block.Type == "text" && block.Text != "" {
					text.WriteString(block.Text)
					grew = true
				}
			}
			if grew && onPartial != nil {
				onPartial(text.String())
			}
		case "result":
			result = line
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// keep the pipe drained so the subprocess can exit
		_, _ = io.Copy(io.Discard, stdout)
	}

	if err := cmd.Wait(); err != nil {
		return "", err
	}
	if scanErr != nil {
		return "", fmt.Errorf("read cli output: %w", scanErr)
	}

	if result != "" {
		return result, nil
	}
	// no result event: fall back to the streamed text
	return text.String(), nil
}

func (c *CLIRunner) wrapError(ctx context.Context, err error, stderr string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s CLI timed out after %v: %w", c.binary, c.timeout, ctx.Err())
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s CLI execution canceled: %w", c.binary, ctx.Err())
	}

	if isRateLimitError(stderr) {
		return &RateLimitError{
			Provider:    c.binary + "-cli",
			RawResponse: stderr,
		}
	}

	return fmt.Errorf("%s CLI execution failed: %w (stderr: %s)", c.binary, err, truncateString(stderr, 500))
}
