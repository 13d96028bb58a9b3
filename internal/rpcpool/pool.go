// Package rpcpool provides a multi-endpoint failover substrate for JSON-RPC
// access to a single logical network. Each network owns an independent ring
// of endpoints; a failing endpoint is quarantined for a short penalty window
// while the ring rotates to the next one.
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/defistat/internal/config"
)

// ErrNoEndpoints is returned when a network has an empty endpoint ring.
var ErrNoEndpoints = errors.New("no rpc endpoints configured")

// ErrAllEndpointsExhausted is returned when every endpoint in a ring has
// been tried without success. The last endpoint error is wrapped alongside.
var ErrAllEndpointsExhausted = errors.New("all rpc endpoints exhausted")

// ErrRateLimited is the distinguished retryable condition an operation
// returns (wrapped) when the provider signals rate limiting. The pool reacts
// by penalizing the endpoint and rotating to the next one.
var ErrRateLimited = errors.New("rpc rate limited")

// Op is an operation applied to one live RPC handle. A wrapped ErrRateLimited
// or a transport-class failure rotates the ring; any other error aborts the
// call immediately, since rotating endpoints cannot fix a deterministic
// application error.
type Op[T any] func(ctx context.Context, client *rpc.Client) (T, error)

// Options tunes the failover behaviour. Zero values fall back to defaults.
type Options struct {
	// Penalty is the quarantine window applied to a failing endpoint.
	Penalty time.Duration

	// BaseBackoff and MaxBackoff bound the exponential sleep between
	// endpoint attempts within one call.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Penalty <= 0 {
		o.Penalty = 20 * time.Second
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 400 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	return o
}

// endpoint is owned exclusively by the pool. penaltyUntil is an atomic unix
// nano timestamp; a stale read only costs one extra retry.
type endpoint struct {
	url          string
	client       *rpc.Client
	penaltyUntil atomic.Int64
}

func (e *endpoint) available(now time.Time) bool {
	return now.UnixNano() > e.penaltyUntil.Load()
}

func (e *endpoint) penalize(d time.Duration) {
	e.penaltyUntil.Store(time.Now().Add(d).UnixNano())
}

// ring is one network's endpoint list plus its rotation cursor. The cursor
// holds the index the next call starts from and tolerates races: rotation
// only needs to be eventually correct.
type ring struct {
	endpoints []*endpoint
	cursor    atomic.Int32
}

// Pool manages one endpoint ring per network. The ring map is built at
// construction time and never mutated afterwards, so it needs no lock.
type Pool struct {
	opts  Options
	rings map[string]*ring
}

// New builds a pool from the configured networks, dialing one RPC handle per
// endpoint URL. An endpoint that fails to dial is a configuration error.
func New(networks map[string]config.NetworkConfig, opts Options) (*Pool, error) {
	p := &Pool{
		opts:  opts.withDefaults(),
		rings: make(map[string]*ring, len(networks)),
	}
	for name, net := range networks {
		r := &ring{}
		for _, url := range net.RPCURLs {
			client, err := rpc.Dial(url)
			if err != nil {
				return nil, fmt.Errorf("dial rpc endpoint %s for network %s: %w", url, name, err)
			}
			r.endpoints = append(r.endpoints, &endpoint{url: url, client: client})
		}
		p.rings[name] = r
		logrus.WithFields(logrus.Fields{
			"network":   name,
			"endpoints": len(r.endpoints),
		}).Info("Initialized RPC endpoint ring")
	}
	return p, nil
}

// EndpointCount reports the ring size for a network, for status reporting.
func (p *Pool) EndpointCount(network string) int {
	if r, ok := p.rings[network]; ok {
		return len(r.endpoints)
	}
	return 0
}

// Execute runs op against one live endpoint of the network's ring, failing
// over on retryable errors. On success the cursor advances to the endpoint
// after the one that served the call, so load spreads across the ring.
func Execute[T any](ctx context.Context, p *Pool, network string, op Op[T]) (T, error) {
	var zero T

	r, ok := p.rings[network]
	if !ok || len(r.endpoints) == 0 {
		return zero, fmt.Errorf("%w: network %s", ErrNoEndpoints, network)
	}

	total := len(r.endpoints)
	start := int(r.cursor.Load()) % total
	var last error

	for tried := 0; tried < total; tried++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		idx := (start + tried) % total
		ep := r.endpoints[idx]

		if !ep.available(time.Now()) {
			continue
		}

		out, err := op(ctx, ep.client)
		if err == nil {
			r.cursor.Store(int32((idx + 1) % total))
			return out, nil
		}
		last = err

		switch {
		case errors.Is(err, ErrRateLimited):
			logrus.Warnf("[rpc failover] rate limited on %s: %v", ep.url, err)
			ep.penalize(p.opts.Penalty)
		case IsRetryableTransport(err):
			logrus.Warnf("[rpc failover] transport error on %s: %v", ep.url, err)
			ep.penalize(p.opts.Penalty)
		default:
			// Deterministic application error, e.g. a contract revert.
			logrus.Errorf("[rpc failover] non-retryable on %s: %v", ep.url, err)
			return zero, err
		}

		p.backoff(ctx, tried)
	}

	if last == nil {
		last = fmt.Errorf("every endpoint inside its penalty window")
	}
	return zero, fmt.Errorf("%w for network %s: %w", ErrAllEndpointsExhausted, network, last)
}

// backoff sleeps between endpoint attempts with capped exponential growth.
// The sleep is a blocking wait inside the current call, not a scheduled task.
func (p *Pool) backoff(ctx context.Context, attempt int) {
	pow := attempt
	if pow > 4 {
		pow = 4
	}
	delay := p.opts.BaseBackoff << uint(pow)
	if delay > p.opts.MaxBackoff {
		delay = p.opts.MaxBackoff
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
