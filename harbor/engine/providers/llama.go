//go:build llama && !no_llama

package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
)

// LlamaOptions configures the in-process llama.cpp provider.
type LlamaOptions struct {
	ModelPath      string
	ContextSize    int
	GPULayers      int
	PoolSize       int // concurrent model instances
	BorrowTimeout  time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// LlamaProvider runs a GGUF model in-process. Instances are pooled; a
// borrow waits up to BorrowTimeout for a free one.
type LlamaProvider struct {
	opts   LlamaOptions
	pool   chan *llama.LLama
	mu     sync.Mutex
	closed bool
	logger *slog.Logger
}

// NewLlamaProvider loads the model pool. The model file must exist.
func NewLlamaProvider(opts LlamaOptions) (*LlamaProvider, error) {
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("llama provider: model path is required")
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("llama provider: model file: %w", err)
	}
	if opts.ContextSize <= 0 {
		opts.ContextSize = 4096
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	if opts.BorrowTimeout <= 0 {
		opts.BorrowTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llama_provider", "model_path", opts.ModelPath)

	p := &LlamaProvider{
		opts:   opts,
		pool:   make(chan *llama.LLama, opts.PoolSize),
		logger: logger,
	}
	for i := 0; i < opts.PoolSize; i++ {
		model, err := llama.New(opts.ModelPath,
			llama.SetContext(opts.ContextSize),
			llama.SetGPULayers(opts.GPULayers),
		)
		if err != nil {
			p.freeAll()
			return nil, fmt.Errorf("llama provider: load instance %d: %w", i, err)
		}
		p.pool <- model
	}
	logger.Info("llama provider ready", "pool_size", opts.PoolSize, "context_size", opts.ContextSize)
	return p, nil
}

// Complete renders the prompt as flat text and runs one prediction.
func (p *LlamaProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	rctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	model, err := p.borrow(rctx)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("%w: %v", ports.ErrProviderUnavailable, err)
	}
	defer p.giveBack(model)

	prompt := renderFlatPrompt(in)
	predictOpts := []llama.PredictOption{
		llama.SetTemperature(opts.Temperature),
		llama.SetTopP(opts.TopP),
		llama.SetTokens(opts.MaxNewTokens),
		llama.SetRepeat(1),
	}
	if opts.Seed != 0 {
		predictOpts = append(predictOpts, llama.SetSeed(opts.Seed))
	}
	if len(opts.Stop) > 0 {
		predictOpts = append(predictOpts, llama.SetStopWords(opts.Stop...))
	}

	start := time.Now()
	text, err := model.Predict(prompt, predictOpts...)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("llama predict: %w", err)
	}
	p.logger.Debug("prediction complete",
		"duration_ms", time.Since(start).Milliseconds(), "output_length", len(text))

	return ports.Completion{Text: strings.TrimSpace(text)}, nil
}

// Stream emulates streaming with a single terminal chunk.
func (p *LlamaProvider) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	completion, err := p.Complete(ctx, in, opts)
	if err != nil {
		return nil, err
	}
	ch := make(chan ports.CompletionChunk, 1)
	ch <- ports.CompletionChunk{DeltaText: completion.Text, Done: true}
	close(ch)
	return ch, nil
}

// Close frees every pooled instance. The provider is unusable afterwards.
func (p *LlamaProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.freeAll()
	close(p.pool)
	p.logger.Info("llama provider closed")
	return nil
}

func (p *LlamaProvider) borrow(ctx context.Context) (*llama.LLama, error) {
	bctx, cancel := context.WithTimeout(ctx, p.opts.BorrowTimeout)
	defer cancel()
	select {
	case model, ok := <-p.pool:
		if !ok {
			return nil, fmt.Errorf("provider closed")
		}
		return model, nil
	case <-bctx.Done():
		return nil, fmt.Errorf("borrow timeout after %v", p.opts.BorrowTimeout)
	}
}

func (p *LlamaProvider) giveBack(model *llama.LLama) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		model.Free()
		return
	}
	select {
	case p.pool <- model:
	default:
		model.Free()
	}
}

func (p *LlamaProvider) freeAll() {
	for {
		select {
		case model := <-p.pool:
			model.Free()
		default:
			return
		}
	}
}

// renderFlatPrompt lowers the chat structure into plain text for models
// without a chat template applied server-side.
func renderFlatPrompt(in ports.PromptInput) string {
	var sb strings.Builder
	if in.System != "" {
		sb.WriteString(in.System)
		sb.WriteString("\n\n")
	}
	for _, m := range in.Messages {
		sb.WriteString("### ")
		sb.WriteString(m.Role)
		sb.WriteString("\n")
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
	}
	sb.WriteString("### assistant\n")
	return sb.String()
}

var _ ports.Provider = (*LlamaProvider)(nil)
