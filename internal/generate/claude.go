package generate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Claude runs the claude CLI in one-shot mode and streams the text blocks
// of its assistant events.
type Claude struct {
	Binary       string // defaults to "claude"
	SystemPrompt string // appended via --append-system-prompt
	Model        string // passed via --model when set
	WorkDir      string
}

// claudeEvent covers the stream-json events the client reads.
type claudeEvent struct {
	Type    string `json:"type"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func (c *Claude) args(prompt string) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if c.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", c.SystemPrompt)
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	return args
}

// Generate starts the subprocess. Context cancellation terminates the whole
// process group.
func (c *Claude) Generate(ctx context.Context, prompt string) (Stream, error) {
	binary := c.Binary
	if binary == "" {
		binary = "claude"
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, binary, c.args(prompt)...)
	if c.WorkDir != "" {
		cmd.Dir = c.WorkDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("generate: stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("generate: start claude: %w", err)
	}

	return newPipe(ctx, func(ctx context.Context, emit func(string) bool) error {
		defer cancel()
		streamErr := readClaudeStream(stdout, emit)
		if streamErr != nil {
			cancel()
		}
		waitErr := cmd.Wait()
		if streamErr != nil {
			return streamErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if waitErr != nil {
			return fmt.Errorf("generate: claude exited: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
		}
		return nil
	}), nil
}

func readClaudeStream(r io.Reader, emit func(string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	var failed error
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var evt claudeEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "assistant":
			for _, block := range evt.Message.Content {
				if block.Type == "text" && !emit(block.Text) {
					return context.Canceled
				}
			}
		case "result":
			if evt.IsError {
				failed = fmt.Errorf("generate: claude reported an error: %s", evt.Result)
			}
		}
	}
	if failed != nil {
		return failed
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("generate: read claude output: %w", err)
	}
	return nil
}
