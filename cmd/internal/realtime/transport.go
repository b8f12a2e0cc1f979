package realtime

import (
	"context"
	"strings"
	"sync"
)

// Transport delivers one serialized event to one connection.
// A vanished peer is reported with an error satisfying errors.Is(err, ErrGone).
type Transport interface {
	PostToConnection(ctx context.Context, connectionID string, data []byte) error
}

// TransportSource hands out the transport to use for the next delivery batch.
type TransportSource interface {
	Get() (Transport, error)
}

// TransportFactory builds a Transport for an endpoint.
type TransportFactory func(endpoint string) (Transport, error)

// TransportProvider lazily builds a Transport from the current endpoint and
// caches it. When the endpoint changes the transport is rebuilt.
type TransportProvider struct {
	endpoint func() string
	build    TransportFactory

	mu        sync.Mutex
	cached    Transport
	cachedFor string
}

// NewTransportProvider constructs a provider. endpoint is read on every Get.
func NewTransportProvider(endpoint func() string, build TransportFactory) *TransportProvider {
	return &TransportProvider{endpoint: endpoint, build: build}
}

// Get returns the cached transport, building it on first use or after the
// endpoint changed.
func (p *TransportProvider) Get() (Transport, error) {
	if p == nil || p.endpoint == nil || p.build == nil {
		return nil, ErrTransportNotConfigured
	}

	ep := strings.TrimSpace(p.endpoint())
	if ep == "" {
		return nil, ErrTransportNotConfigured
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.cachedFor == ep {
		return p.cached, nil
	}

	t, err := p.build(ep)
	if err != nil {
		return nil, err
	}
	p.cached = t
	p.cachedFor = ep
	return t, nil
}

// Static wraps an always-available transport, such as the in-process gateway.
func Static(t Transport) TransportSource {
	return staticSource{t: t}
}

type staticSource struct{ t Transport }

func (s staticSource) Get() (Transport, error) {
	if s.t == nil {
		return nil, ErrTransportNotConfigured
	}
	return s.t, nil
}
