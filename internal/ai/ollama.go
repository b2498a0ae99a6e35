package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// OllamaProvider talks to a local Ollama server's /api/chat endpoint, which
// streams newline-delimited JSON.
type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

type ollamaChatReq struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResp struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *OllamaProvider) post(ctx context.Context, messages []Message, stream bool) (*http.Response, error) {
	req := ollamaChatReq{Model: p.Model, Messages: messages, Stream: stream}
	return postJSON(ctx, p.Client, "ollama", p.BaseURL+"/api/chat", req, nil, stream)
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	resp, err := p.post(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "ollama: decode response")
	}
	if out.Error != "" {
		return "", errors.Errorf("ollama: %s", out.Error)
	}
	return out.Message.Content, nil
}

func (p *OllamaProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	open := func() (*http.Response, error) { return p.post(ctx, messages, true) }
	return streamLines(ctx, open, parseOllamaLine)
}

func parseOllamaLine(line []byte) (string, bool, error) {
	var out ollamaChatResp
	if err := json.Unmarshal(line, &out); err != nil {
		return "", false, errors.Wrap(err, "ollama: decode chunk")
	}
	if out.Error != "" {
		return "", false, errors.Errorf("ollama: %s", out.Error)
	}
	return out.Message.Content, out.Done, nil
}
