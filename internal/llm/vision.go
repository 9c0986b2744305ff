// Package llm calls the Anthropic Messages API with vision content
// blocks to extract structured data from receipt photographs.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tickd/tickd/internal/config"
	"github.com/tickd/tickd/internal/errkind"
	"github.com/tickd/tickd/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"

	// callTimeout bounds a single extraction call. Vision requests on
	// large images can take a while before headers arrive.
	callTimeout = 120 * time.Second

	defaultMaxTokens = 4096

	// connectRetries bounds automatic retries on transient dial errors
	// (host/network unreachable, connection refused).
	connectRetries = 2
)

// connectRetryDelay is a variable so tests can shorten the wait.
var connectRetryDelay = 2 * time.Second

// mimeByExt maps attachment file extensions to media types accepted by
// the vision API. Unknown extensions fall back to image/jpeg.
var mimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// MediaType returns the media type for an image path.
func MediaType(path string) string {
	if mt, ok := mimeByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return mt
	}
	return "image/jpeg"
}

// VisionClient is a client for the Anthropic Messages API, specialised
// for single-turn vision extraction calls.
type VisionClient struct {
	apiKey     string
	model      string
	maxTokens  int
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewVisionClient creates a vision extraction client.
func NewVisionClient(cfg config.AnthropicConfig, logger *slog.Logger) *VisionClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Vision responses can take significant time before sending headers.
	// Use a custom transport with a generous response header timeout and
	// rely on the per-call context deadline for overall control.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = callTimeout

	return &VisionClient{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: defaultMaxTokens,
		apiURL:    anthropicAPIURL,
		logger:    logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(connectRetries, connectRetryDelay),
			httpkit.WithLogger(logger),
		),
	}
}

// Anthropic request/response types.

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request accumulates ordered content blocks (prompt text and images)
// for a single extraction call.
type Request struct {
	blocks []contentBlock
}

// AddPrompt appends a text block.
func (r *Request) AddPrompt(text string) {
	r.blocks = append(r.blocks, contentBlock{Type: "text", Text: text})
}

// AddImage reads the file at path, base64-encodes it and appends an
// image block with a media type derived from the file extension.
func (r *Request) AddImage(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image %s: %w", path, err)
	}
	r.blocks = append(r.blocks, contentBlock{
		Type: "image",
		Source: &imageSource{
			Type:      "base64",
			MediaType: MediaType(path),
			Data:      base64.StdEncoding.EncodeToString(data),
		},
	})
	return nil
}

// ImageCount returns the number of image blocks added so far.
func (r *Request) ImageCount() int {
	n := 0
	for _, b := range r.blocks {
		if b.Type == "image" {
			n++
		}
	}
	return n
}

// CallJSON sends the request and returns the first JSON object found in
// the model's text output. Transport and HTTP failures are
// LLM_TRANSPORT; an unparseable or JSON-free reply is LLM_DECODE.
func (c *VisionClient) CallJSON(ctx context.Context, req *Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	payload := anthropicRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.blocks},
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("extraction call",
		"model", c.model,
		"images", req.ImageCount(),
		"payload_bytes", len(jsonData),
	)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", errkind.Wrap(errkind.LLMTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return "", errkind.New(errkind.LLMTransport,
			"anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	var apiResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", errkind.Wrap(errkind.LLMDecode, fmt.Errorf("decode response: %w", err))
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	c.logger.Debug("extraction response",
		"model", apiResp.Model,
		"stop_reason", apiResp.StopReason,
		"input_tokens", apiResp.Usage.InputTokens,
		"output_tokens", apiResp.Usage.OutputTokens,
		"text_len", text.Len(),
	)
	c.logger.Log(ctx, config.LevelTrace, "raw model output", "text", text.String())

	raw, ok := ExtractJSON(text.String())
	if !ok {
		return "", errkind.New(errkind.LLMDecode, "no JSON object in model output")
	}
	return raw, nil
}

// ExtractJSON finds the first balanced top-level JSON object in s. The
// scan is string-aware so braces inside string literals do not count.
func ExtractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
