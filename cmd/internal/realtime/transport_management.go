package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ManagementConfig configures a ManagementTransport.
type ManagementConfig struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	Timeout time.Duration

	// Breaker settings. Zero values use defaults.
	BreakerMaxRequests         uint32
	BreakerOpenTimeout         time.Duration
	BreakerConsecutiveFailures uint32
}

// ManagementTransport posts events to a managed WebSocket gateway's
// connection management API: POST {endpoint}/@connections/{id}.
// A 410 response means the connection is gone.
type ManagementTransport struct {
	base    *url.URL
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	log     *slog.Logger
}

// NewManagementTransport validates endpoint and builds the client.
func NewManagementTransport(endpoint string, cfg ManagementConfig, log *slog.Logger, m *Metrics) (*ManagementTransport, error) {
	if log == nil {
		log = slog.Default()
	}

	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(endpoint), "/"))
	if err != nil {
		return nil, fmt.Errorf("realtime: invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("realtime: invalid endpoint scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("realtime: endpoint host missing")
	}

	if cfg.Name == "" {
		cfg.Name = "realtime-management"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDeliveryTimeout
	}
	if cfg.BreakerMaxRequests == 0 {
		cfg.BreakerMaxRequests = 1
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}
	if cfg.BreakerConsecutiveFailures == 0 {
		cfg.BreakerConsecutiveFailures = 5
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.BreakerMaxRequests,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerConsecutiveFailures
		},
		// A gone peer is a healthy answer from the management API.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrGone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("realtime.breaker.state", "breaker", name, "from", from.String(), "to", to.String())
			m.breaker(name, to)
		},
	})
	m.breaker(cfg.Name, gobreaker.StateClosed)

	return &ManagementTransport{
		base:    u,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		log:     log,
	}, nil
}

// ManagementFactory returns a TransportFactory for NewTransportProvider.
func ManagementFactory(cfg ManagementConfig, log *slog.Logger, m *Metrics) TransportFactory {
	return func(endpoint string) (Transport, error) {
		return NewManagementTransport(endpoint, cfg, log, m)
	}
}

func (t *ManagementTransport) PostToConnection(ctx context.Context, connectionID string, data []byte) error {
	_, err := t.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, t.post(ctx, connectionID, data)
	})
	return err
}

func (t *ManagementTransport) post(ctx context.Context, connectionID string, data []byte) error {
	target := t.base.JoinPath("@connections", url.PathEscape(connectionID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to connection: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode == http.StatusGone:
		return ErrGone
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return fmt.Errorf("post to connection: unexpected status %d", resp.StatusCode)
	}
}
