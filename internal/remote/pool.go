/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package remote

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/obs/metrics"
	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// Session is the per-checkout view of a pooled connection. Concurrent use of
// one session is not permitted; callers hold it exclusively until release.
type Session interface {
	Run(ctx context.Context, command string) (*Result, error)
	RunScript(ctx context.Context, script string) (*Result, error)
	Copy(ctx context.Context, remotePath, permissions string, data []byte) error
	Fetch(ctx context.Context, remotePath string) ([]byte, error)
	Close() error
	Age() time.Duration
}

// DialFunc opens a new session; swapped out in tests.
type DialFunc func(ctx context.Context, target Target, connectTimeout time.Duration) (Session, error)

func defaultDial(ctx context.Context, target Target, connectTimeout time.Duration) (Session, error) {
	return Dial(ctx, target, connectTimeout)
}

// Pool shares bounded per-target session buckets with TTL-based recycling.
type Pool struct {
	dial   DialFunc
	cfg    *config.SSHConfig
	logger *zap.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
	active  int
	closed  bool
}

type bucket struct {
	key    string
	sem    chan struct{}
	idle   []Session
	active int
}

// NewPool creates a pool with the configured per-host size and session TTL.
func NewPool(cfg *config.SSHConfig, logger *zap.Logger) *Pool {
	return &Pool{
		dial:    defaultDial,
		cfg:     cfg,
		logger:  logger,
		buckets: make(map[string]*bucket),
	}
}

// NewPoolWithDialer is NewPool with an injected dialer.
func NewPoolWithDialer(cfg *config.SSHConfig, logger *zap.Logger, dial DialFunc) *Pool {
	p := NewPool(cfg, logger)
	p.dial = dial
	return p
}

func (p *Pool) connectTimeout() time.Duration {
	if p.cfg.ConnectTimeoutS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.cfg.ConnectTimeoutS) * time.Second
}

func (p *Pool) ttl() time.Duration {
	if p.cfg.SessionTTLS <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(p.cfg.SessionTTLS) * time.Second
}

func (p *Pool) size() int {
	if p.cfg.PoolSizePerHost <= 0 {
		return 4
	}
	return p.cfg.PoolSizePerHost
}

// Get checks out a session for exclusive use. The returned release function
// must be called exactly once; pass release(err != nil) semantics via Put.
func (p *Pool) Get(ctx context.Context, target Target) (Session, func(failed bool), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, contracts.NewTransient("ssh pool is closed", nil)
	}
	b, ok := p.buckets[target.key()]
	if !ok {
		b = &bucket{key: target.key(), sem: make(chan struct{}, p.size())}
		p.buckets[target.key()] = b
	}
	p.mu.Unlock()

	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, contracts.NewTransient("waiting for ssh session slot", ctx.Err())
	}

	sess, err := p.checkout(ctx, b, target)
	if err != nil {
		<-b.sem
		return nil, nil, err
	}

	p.mu.Lock()
	p.active++
	b.active++
	metrics.SetActiveSSHSessions(b.key, b.active)
	p.mu.Unlock()

	released := false
	release := func(failed bool) {
		if released {
			return
		}
		released = true
		p.put(b, sess, failed)
	}
	return sess, release, nil
}

func (p *Pool) checkout(ctx context.Context, b *bucket, target Target) (Session, error) {
	p.mu.Lock()
	for len(b.idle) > 0 {
		sess := b.idle[len(b.idle)-1]
		b.idle = b.idle[:len(b.idle)-1]
		if sess.Age() < p.ttl() {
			p.mu.Unlock()
			return sess, nil
		}
		_ = sess.Close()
	}
	p.mu.Unlock()
	return p.dial(ctx, target, p.connectTimeout())
}

func (p *Pool) put(b *bucket, sess Session, failed bool) {
	p.mu.Lock()
	p.active--
	b.active--
	metrics.SetActiveSSHSessions(b.key, b.active)
	keep := !failed && !p.closed && sess.Age() < p.ttl()
	if keep {
		b.idle = append(b.idle, sess)
	}
	p.mu.Unlock()
	if !keep {
		_ = sess.Close()
	}
	<-b.sem
}

// WithSession checks out a session, runs fn, and releases it. The session is
// discarded instead of reused when fn fails.
func (p *Pool) WithSession(ctx context.Context, target Target, fn func(Session) error) error {
	sess, release, err := p.Get(ctx, target)
	if err != nil {
		return err
	}
	err = fn(sess)
	release(err != nil)
	return err
}

// Close drops all idle sessions and refuses further checkouts.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, b := range p.buckets {
		for _, sess := range b.idle {
			_ = sess.Close()
		}
		b.idle = nil
	}
}
