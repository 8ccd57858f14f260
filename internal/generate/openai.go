package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OpenAIOpts configures an OpenAI-compatible chat completions client. Any
// server that speaks the /chat/completions streaming protocol works,
// including Gemini's OpenAI endpoint and local runtimes.
type OpenAIOpts struct {
	BaseURL      string // e.g. https://api.openai.com/v1
	APIKey       string
	Model        string
	Temperature  float64
	SystemPrompt string
	HTTPClient   *http.Client
}

// OpenAI streams chat completions over server-sent events.
type OpenAI struct {
	opts OpenAIOpts
}

// NewOpenAI creates an OpenAI-compatible model.
func NewOpenAI(opts OpenAIOpts) (*OpenAI, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("generate: base URL is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("generate: model is required")
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &OpenAI{opts: opts}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends prompt as the user message. The HTTP status is checked
// before the stream is returned; mid-stream failures surface through Err.
func (c *OpenAI) Generate(ctx context.Context, prompt string) (Stream, error) {
	var msgs []chatMessage
	if c.opts.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: c.opts.SystemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.opts.Model,
		Messages:    msgs,
		Temperature: c.opts.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("generate: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("generate: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("generate: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	return newPipe(ctx, func(ctx context.Context, emit func(string) bool) error {
		defer resp.Body.Close()
		return readSSE(resp.Body, emit)
	}), nil
}

// ErrStreamTruncated is returned when the stream ends without [DONE].
var ErrStreamTruncated = errors.New("generate: stream ended before [DONE]")

// readSSE parses "data:" lines until [DONE]. EOF before [DONE] is an error.
func readSSE(r io.Reader, emit func(string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("generate: stream error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if !emit(chunk.Choices[0].Delta.Content) {
			return context.Canceled
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("generate: read stream: %w", err)
	}
	return ErrStreamTruncated
}
