// Package nonce hands out transaction nonces for the oracle's signing
// accounts without asking the node for every transaction.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/indexing/metrics"
)

// Source reports an account's pending nonce on one chain.
type Source interface {
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
}

type key struct {
	chain   domain.ChainID
	account common.Address
}

type counter struct {
	mu     sync.Mutex
	seeded bool
	next   uint64
}

// Sequencer keeps one counter per (chain, account). Counters are seeded from
// the chain on first use and afterwards only move in-process.
type Sequencer struct {
	mu       sync.Mutex
	sources  map[domain.ChainID]Source
	counters map[key]*counter
}

// NewSequencer creates a sequencer over the given per-chain sources.
func NewSequencer(sources map[domain.ChainID]Source) *Sequencer {
	s := &Sequencer{
		sources:  make(map[domain.ChainID]Source, len(sources)),
		counters: make(map[key]*counter),
	}
	for id, src := range sources {
		s.sources[id] = src
	}
	return s
}

func (s *Sequencer) counter(chain domain.ChainID, account common.Address) *counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{chain: chain, account: account}
	c, ok := s.counters[k]
	if !ok {
		c = &counter{}
		s.counters[k] = c
	}
	return c
}

// seed must be called with c.mu held.
func (s *Sequencer) seed(ctx context.Context, c *counter, chain domain.ChainID, account common.Address) error {
	src, ok := s.sources[chain]
	if !ok {
		return fmt.Errorf("nonce: unknown chain %s", chain)
	}
	pending, err := src.PendingNonce(ctx, account)
	if err != nil {
		return fmt.Errorf("nonce: seed %s/%s: %w", chain, account.Hex(), err)
	}
	c.next = pending
	c.seeded = true
	return nil
}

// Seed loads the counter from the chain if it has not been loaded yet.
func (s *Sequencer) Seed(ctx context.Context, chain domain.ChainID, account common.Address) error {
	c := s.counter(chain, account)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seeded {
		return nil
	}
	if err := s.seed(ctx, c, chain, account); err != nil {
		return err
	}
	metrics.NextNonce.WithLabelValues(string(chain), account.Hex()).Set(float64(c.next))
	return nil
}

// Send runs broadcast with the account's next nonce while holding the
// counter, so no other send on the same (chain, account) can take a later
// nonce until this one is settled. The nonce is consumed only when broadcast
// returns nil; any other outcome leaves it for the next caller and no gap
// opens. A domain.ErrNonceConflict reloads the counter from the chain and
// broadcast runs once more. Send returns the nonce that was used.
func (s *Sequencer) Send(
	ctx context.Context,
	chain domain.ChainID,
	account common.Address,
	broadcast func(nonce uint64) error,
) (uint64, error) {
	c := s.counter(chain, account)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.seeded {
		if err := s.seed(ctx, c, chain, account); err != nil {
			return 0, err
		}
		slog.Debug("Seeded nonce counter", "chain", chain, "account", account.Hex(), "nonce", c.next)
	}

	for attempt := 0; ; attempt++ {
		n := c.next
		err := broadcast(n)
		if err == nil {
			c.next = n + 1
			metrics.NextNonce.WithLabelValues(string(chain), account.Hex()).Set(float64(c.next))
			return n, nil
		}
		if !errors.Is(err, domain.ErrNonceConflict) || attempt > 0 {
			return n, err
		}
		if serr := s.seed(ctx, c, chain, account); serr != nil {
			return n, fmt.Errorf("resync after %v: %w", err, serr)
		}
		slog.Warn("Resynced nonce counter after conflict",
			"chain", chain, "account", account.Hex(), "rejected", n, "next", c.next)
		metrics.NextNonce.WithLabelValues(string(chain), account.Hex()).Set(float64(c.next))
	}
}

// Peek returns the next nonce without consuming it.
func (s *Sequencer) Peek(chain domain.ChainID, account common.Address) (uint64, bool) {
	c := s.counter(chain, account)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next, c.seeded
}
