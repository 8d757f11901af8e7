package risk

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cryptopay/psp_core/internal/utils"
)

// Provider names.
const (
	ProviderInternal = "internal"
	ProviderExternal = "external"
)

// ExternalInput carries the chain attachment fields a future external AML
// provider would look up in addition to the base input.
type ExternalInput struct {
	Input
	Network       string
	WalletAddress string
	TxHash        string
}

// Provider produces risk verdicts. The internal variant wraps the local
// engine; the external variant is a placeholder for a real AML provider
// lookup and fails closed until one is integrated.
type Provider interface {
	Name() string
	Check(ctx context.Context, in ExternalInput) (*Verdict, error)
}

// InternalProvider scores invoices with the in-process engine.
type InternalProvider struct {
	engine *Engine
}

// NewInternalProvider wraps an engine as a Provider.
func NewInternalProvider(engine *Engine) *InternalProvider {
	return &InternalProvider{engine: engine}
}

func (p *InternalProvider) Name() string { return ProviderInternal }

func (p *InternalProvider) Check(_ context.Context, in ExternalInput) (*Verdict, error) {
	return p.engine.Check(in.Input), nil
}

// ExternalProvider is the unimplemented external AML integration. It fails
// closed rather than mimicking the internal engine, so a misconfigured
// deployment surfaces loudly instead of silently under-scoring.
type ExternalProvider struct{}

func (p *ExternalProvider) Name() string { return ProviderExternal }

func (p *ExternalProvider) Check(_ context.Context, _ ExternalInput) (*Verdict, error) {
	return nil, utils.ErrProviderUnavailable
}

// Router selects a provider by configured name.
type Router struct {
	providers map[string]Provider
}

// NewRouter constructs a Router with no providers registered.
func NewRouter() *Router {
	return &Router{providers: make(map[string]Provider)}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.providers[p.Name()] = p
	log.Info().Str("provider", p.Name()).Msg("risk provider registered")
}

// Select returns the provider registered under name.
func (r *Router) Select(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("risk provider %q not registered: %w", name, utils.ErrProviderUnavailable)
	}
	return p, nil
}
