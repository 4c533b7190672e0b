package providers

import (
	"fmt"

	"github.com/codermillat/setforge/internal/llm/transport"
)

// NewRouter builds a router mapping each credential id to an adapter for
// its wire format. Every credential gets its own adapter instance since the
// adapter carries the endpoint and key.
func NewRouter(creds map[string]Credential, formats map[string]string) (transport.Router, error) {
	adapters := make(map[string]transport.ProviderAdapter, len(creds))

	for id, cred := range creds {
		format := formats[id]
		var adapter transport.ProviderAdapter
		switch format {
		case FormatOpenAI, "":
			adapter = NewOpenAIAdapter(cred)
		case FormatAnthropic:
			adapter = NewAnthropicAdapter(cred)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
		}
		adapters[id] = adapter
	}

	return &router{adapters: adapters}, nil
}

// router implements transport.Router over a credential-to-adapter registry.
type router struct {
	adapters map[string]transport.ProviderAdapter
}

// Pick selects the adapter bound to the given credential id.
func (r *router) Pick(providerID string) (transport.ProviderAdapter, error) {
	adapter, ok := r.adapters[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	return adapter, nil
}
