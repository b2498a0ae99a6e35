package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// OpenRouterProvider speaks the OpenAI-compatible chat completions API of
// OpenRouter. Streaming responses are server-sent events ending in [DONE].
type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

type openRouterChatReq struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message Message `json:"message"`
		Delta   struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r openRouterChatResp) err() error {
	if r.Error != nil && r.Error.Message != "" {
		return errors.Errorf("openrouter: %s", r.Error.Message)
	}
	return nil
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *OpenRouterProvider) post(ctx context.Context, messages []Message, stream bool) (*http.Response, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, errors.New("openrouter: api key is required")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return nil, errors.New("openrouter: model is required")
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		hdr.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		hdr.Set("X-Title", p.AppName)
	}
	if stream {
		hdr.Set("Accept", "text/event-stream")
	}
	req := openRouterChatReq{Model: model, Messages: messages, Stream: stream}
	return postJSON(ctx, p.Client, "openrouter", p.BaseURL+"/chat/completions", req, hdr, stream)
}

func (p *OpenRouterProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	resp, err := p.post(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "openrouter: decode response")
	}
	if err := out.err(); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New("openrouter: empty response")
	}
	return out.Choices[0].Message.Content, nil
}

func (p *OpenRouterProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	open := func() (*http.Response, error) { return p.post(ctx, messages, true) }
	return streamLines(ctx, open, parseSSELine)
}

var ssePrefix = []byte("data:")

// parseSSELine ignores comments and non-data fields such as keep-alives.
func parseSSELine(line []byte) (string, bool, error) {
	if !bytes.HasPrefix(line, ssePrefix) {
		return "", false, nil
	}
	data := bytes.TrimSpace(line[len(ssePrefix):])
	if string(data) == "[DONE]" {
		return "", true, nil
	}
	var out openRouterChatResp
	if err := json.Unmarshal(data, &out); err != nil {
		return "", false, errors.Wrap(err, "openrouter: decode chunk")
	}
	if err := out.err(); err != nil {
		return "", false, err
	}
	if len(out.Choices) == 0 {
		return "", false, nil
	}
	return out.Choices[0].Delta.Content, false, nil
}
