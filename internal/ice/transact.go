package ice

import (
	"context"
	"fmt"
	"sync"

	"github.com/driftloop/kvsrtc/internal/stunmsg"
)

// transactionTable correlates outbound STUN requests (binding requests sent
// during gathering, before a CandidatePair even exists) to their inbound
// responses, delivered by the caller's ConnectionListener receive handler
// via Resolve. CandidatePair-level correlation for connectivity checks uses
// CandidatePair.outstanding directly instead, since it also needs the
// originating pair for RTT/state bookkeeping (see checks.go).
type transactionTable struct {
	mu      sync.Mutex
	pending map[string]chan *stunmsg.Message
}

func newTransactionTable() *transactionTable {
	return &transactionTable{pending: make(map[string]chan *stunmsg.Message)}
}

// register opens a one-shot channel for txID; the entry stays until Resolve
// or forget removes it (waitForTransaction calls forget on cancellation).
func (t *transactionTable) register(txID stunmsg.TransactionID) chan *stunmsg.Message {
	ch := make(chan *stunmsg.Message, 1)
	t.mu.Lock()
	t.pending[string(txID[:])] = ch
	t.mu.Unlock()
	return ch
}

// Resolve delivers msg to the channel registered for its transaction id, if
// any, discarding it silently otherwise (spec.md §8 invariant 4).
func (t *transactionTable) Resolve(msg *stunmsg.Message) {
	key := string(msg.TransactionID[:])
	t.mu.Lock()
	ch, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (t *transactionTable) forget(txID stunmsg.TransactionID) {
	t.mu.Lock()
	delete(t.pending, string(txID[:]))
	t.mu.Unlock()
}

// waitForTransaction blocks until a response arrives for txID or ctx is
// done.
func (a *Agent) waitForTransaction(ctx context.Context, txID stunmsg.TransactionID) (*stunmsg.Message, error) {
	ch := a.transactions.register(txID)
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		a.transactions.forget(txID)
		return nil, fmt.Errorf("ice: transaction %x: %w", txID, ctx.Err())
	}
}
