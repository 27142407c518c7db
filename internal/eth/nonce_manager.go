package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out account nonces in process. The first call seeds the
// counter from the node's pending nonce; later calls never go back to the node
// unless the counter was reset.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu   sync.Mutex
	next uint64
	have bool
}

func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{
		backend: backend,
		addr:    addr,
	}
}

func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.have = true
	}

	n := m.next
	m.next++
	return n, nil
}

// Release returns a nonce whose transaction was never accepted by the node.
// Only the most recently reserved nonce can be handed back; otherwise the
// counter is dropped and re-seeded from the node on the next call.
func (m *NonceManager) Release(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		return
	}
	if m.next == n+1 {
		m.next = n
		return
	}
	m.have = false
}
