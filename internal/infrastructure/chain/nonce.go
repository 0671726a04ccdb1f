package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceManager hands out sequential nonces per sending address. The first
// use of an address reads the pending nonce from the node; later nonces are
// counted locally. Callers of the same address are serialized.
type NonceManager struct {
	client Client

	mu    sync.Mutex
	slots map[common.Address]*nonceSlot
}

type nonceSlot struct {
	mu     sync.Mutex
	next   uint64
	loaded bool
}

// NewNonceManager creates a NonceManager backed by client
func NewNonceManager(client Client) *NonceManager {
	return &NonceManager{client: client, slots: make(map[common.Address]*nonceSlot)}
}

func (m *NonceManager) slot(addr common.Address) *nonceSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[addr]
	if !ok {
		s = &nonceSlot{}
		m.slots[addr] = s
	}
	return s
}

// WithNonce runs fn holding the address's nonce. On success the nonce is
// consumed; on error the cached value is dropped so the next call re-reads it.
func (m *NonceManager) WithNonce(ctx context.Context, addr common.Address, fn func(nonce uint64) error) error {
	s := m.slot(addr)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		n, err := m.client.PendingNonceAt(ctx, addr)
		if err != nil {
			return fmt.Errorf("failed to get pending nonce: %w", err)
		}
		s.next, s.loaded = n, true
	}

	if err := fn(s.next); err != nil {
		s.loaded = false
		return err
	}
	s.next++
	return nil
}

// Reset forgets the cached nonce of addr
func (m *NonceManager) Reset(addr common.Address) {
	s := m.slot(addr)
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
}
