package collyfetcher

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// ErrPoolClosed is returned for requests issued after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// PoolConfig sizes the shared connection pool.
type PoolConfig struct {
	MaxConns        int
	MaxConnsPerHost int
	IdleConnTimeout time.Duration
}

// Pool is the single network client shared by every fetch in a run. The
// underlying transport is created on first use and torn down exactly once.
type Pool struct {
	cfg PoolConfig

	mu        sync.Mutex
	transport *http.Transport
	closed    bool
	created   int
}

// NewPool returns an unopened Pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 200
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 50
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	return &Pool{cfg: cfg}
}

// RoundTrip implements http.RoundTripper, opening the transport lazily.
func (p *Pool) RoundTrip(req *http.Request) (*http.Response, error) {
	transport, err := p.open()
	if err != nil {
		return nil, err
	}
	return transport.RoundTrip(req)
}

func (p *Pool) open() (*http.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if p.transport == nil {
		p.transport = newHTTPTransport(p.cfg)
		p.created++
	}
	return p.transport, nil
}

// Close releases idle connections. Only the first call has an effect.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.transport != nil {
		p.transport.CloseIdleConnections()
	}
}

// Opened reports whether the transport has been created.
func (p *Pool) Opened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created > 0
}

func newHTTPTransport(cfg PoolConfig) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          cfg.MaxConns,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ForceAttemptHTTP2:     true,
	}
}
