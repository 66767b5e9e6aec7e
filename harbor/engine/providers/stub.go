package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
)

// StubProvider produces deterministic completions without a model: scripted
// replies when given, otherwise an answer that echoes the instruction. It
// keeps the host runnable with no backend configured.
type StubProvider struct {
	mu      sync.Mutex
	replies []string
	next    int
}

// NewStubProvider creates a stub. Scripted replies are consumed in order;
// the last one repeats once the script runs out.
func NewStubProvider(replies ...string) *StubProvider {
	return &StubProvider{replies: replies}
}

func (p *StubProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.replies) > 0 {
		idx := p.next
		if idx >= len(p.replies) {
			idx = len(p.replies) - 1
		}
		p.next++
		return ports.Completion{Text: p.replies[idx]}, nil
	}

	instruction := ""
	for i := len(in.Messages) - 1; i >= 0; i-- {
		if in.Messages[i].Role == "user" {
			instruction = in.Messages[i].Content
			break
		}
	}
	raw, err := json.Marshal(map[string]string{
		"answer": fmt.Sprintf("stub provider has no model configured; received: %s", instruction),
	})
	if err != nil {
		return ports.Completion{}, err
	}
	return ports.Completion{Text: string(raw)}, nil
}

func (p *StubProvider) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	completion, err := p.Complete(ctx, in, opts)
	if err != nil {
		return nil, err
	}
	ch := make(chan ports.CompletionChunk, 1)
	ch <- ports.CompletionChunk{DeltaText: completion.Text, Done: true}
	close(ch)
	return ch, nil
}

var _ ports.Provider = (*StubProvider)(nil)
