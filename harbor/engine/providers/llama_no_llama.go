//go:build !llama || no_llama

package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
)

// LlamaOptions configures the in-process llama.cpp provider.
type LlamaOptions struct {
	ModelPath      string
	ContextSize    int
	GPULayers      int
	PoolSize       int
	BorrowTimeout  time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// LlamaProvider is unavailable in this build.
type LlamaProvider struct{}

// NewLlamaProvider fails: the binary was built without the llama tag.
func NewLlamaProvider(opts LlamaOptions) (*LlamaProvider, error) {
	return nil, fmt.Errorf("llama provider: built without llama support (rebuild with -tags llama)")
}

func (p *LlamaProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	return ports.Completion{}, ports.ErrProviderUnavailable
}

func (p *LlamaProvider) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	return nil, ports.ErrProviderUnavailable
}

func (p *LlamaProvider) Close() error { return nil }

var _ ports.Provider = (*LlamaProvider)(nil)
