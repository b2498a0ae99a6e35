package ai

import (
	"context"
	"fmt"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// StreamProvider is an optional interface. Providers may implement streaming chat.
// Both channels are closed when streaming ends; at most one error is sent.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

// Collect drains a stream into the full reply, calling onChunk with the text
// accumulated so far after every chunk.
func Collect(chunks <-chan string, errs <-chan error, onChunk func(sofar string)) (string, error) {
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
		if onChunk != nil {
			onChunk(b.String())
		}
	}
	for err := range errs {
		if err != nil {
			return b.String(), err
		}
	}
	return b.String(), nil
}

type httpStatusError struct {
	provider string
	status   int
	body     string
}

func (e *httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("%s: status %d", e.provider, e.status)
	}
	return fmt.Sprintf("%s: %s", e.provider, e.body)
}
