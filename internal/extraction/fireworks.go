package extraction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultFireworksURL   = "https://api.fireworks.ai/inference/v1/chat/completions"
	DefaultFireworksModel = "accounts/fireworks/models/qwen3-vl-30b-a3b-instruct"

	// RequestTimeout is kept below the 60s budget of the calling function
	RequestTimeout = 45 * time.Second

	maxCompletionTokens = 1024
	temperature         = 0.1
)

// FireworksConfig configures a Fireworks extractor. Zero values fall back to the defaults above.
type FireworksConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Fireworks implements Extractor against the Fireworks OpenAI-compatible chat completions API
type Fireworks struct {
	apiKey  string
	url     string
	model   string
	timeout time.Duration
	client  *http.Client
}

// NewFireworks creates a Fireworks extractor
func NewFireworks(cfg FireworksConfig) (*Fireworks, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("fireworks api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultFireworksURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultFireworksModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = RequestTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	return &Fireworks{
		apiKey:  cfg.APIKey,
		url:     cfg.BaseURL,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		client:  cfg.HTTPClient,
	}, nil
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// chatMessage content is either a plain string or a list of parts
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *TokenUsage `json:"usage"`
}

// Model returns the model id requests are sent to
func (f *Fireworks) Model() string {
	return f.model
}

// Extract sends the image to the model and parses its answer
func (f *Fireworks) Extract(ctx context.Context, image []byte, mimeType string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	data, mimeType, err := prepareImage(image, mimeType)
	if err != nil {
		return nil, err
	}

	dataURI := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
	reqBody := chatRequest{
		Model: f.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: userInstruction},
					{Type: "image_url", ImageURL: &imageURL{URL: dataURI}},
				},
			},
		},
		MaxTokens:      maxCompletionTokens,
		Temperature:    temperature,
		ResponseFormat: responseFormat{Type: "json_object"},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, f.timeout)
		}
		return nil, fmt.Errorf("calling fireworks API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*maxErrorBody))
		return nil, &StatusError{
			Provider:   "fireworks",
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), maxErrorBody),
		}
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, f.timeout)
		}
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	var content string
	if len(chatResp.Choices) > 0 {
		content = chatResp.Choices[0].Message.Content
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrNoContent
	}

	out := &Response{
		Extraction: finish(content),
		RawContent: content,
		Model:      f.model,
	}
	if chatResp.Usage != nil {
		usage := *chatResp.Usage
		total := usage.TotalTokens
		out.Usage = &usage
		out.TokensUsed = &total
	}
	return out, nil
}

// Close is a no-op for the HTTP client
func (f *Fireworks) Close() error {
	return nil
}
