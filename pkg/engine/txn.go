package engine

import (
	"fmt"
	"sync"

	"github.com/coldb/coldb/pkg/cerr"
	"github.com/coldb/coldb/pkg/metrics"
	"github.com/coldb/coldb/pkg/wal"
)

// Txn stages row mutations against a WAL transaction. Operations are
// appended to the WAL as soon as they're added (durability-first), but
// the backend mutation itself only runs at Commit; an aborted
// transaction never becomes visible. This corrects a latent bug in the
// system this engine is descended from, where writes applied
// immediately regardless of transaction state and rollback only wrote
// an abort marker without undoing in-memory state.
type Txn struct {
	engine *Engine
	walTxn *wal.Txn

	mu     sync.Mutex
	staged []func() error
	done   bool
}

// Begin opens a new transaction. Every operation added to it is
// durably logged immediately; none of it is visible to readers until
// Commit.
func (e *Engine) Begin() *Txn {
	return &Txn{engine: e, walTxn: e.walMgr.Begin()}
}

func (t *Txn) requireActive() error {
	if t.done {
		return fmt.Errorf("engine: transaction %s: %w", t.walTxn.ID, cerr.IllegalState)
	}
	return nil
}

// stage logs op to the WAL and queues apply to run at Commit.
func (t *Txn) stage(op wal.Operation, apply func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	if err := t.engine.walMgr.AddOperation(t.walTxn, op); err != nil {
		return err
	}
	t.staged = append(t.staged, apply)
	return nil
}

// Commit durably marks the transaction committed, then applies every
// staged mutation in order. The commit record reaching disk is what
// makes the transaction durable; per-operation application after that
// point is expected to succeed since staged closures only touch
// in-process state already validated at stage time.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	t.done = true

	if err := t.engine.walMgr.Commit(t.walTxn); err != nil {
		metrics.TransactionsTotal.WithLabelValues("commit_failed").Inc()
		return fmt.Errorf("engine: commit transaction %s: %w", t.walTxn.ID, err)
	}

	for _, apply := range t.staged {
		if err := apply(); err != nil {
			t.engine.log.Error().Err(err).Str("txn", t.walTxn.ID).Msg("staged operation failed after durable commit")
			metrics.TransactionsTotal.WithLabelValues("commit_apply_error").Inc()
			return err
		}
	}
	metrics.TransactionsTotal.WithLabelValues("committed").Inc()
	return nil
}

// Rollback marks the transaction aborted and discards every staged
// mutation; none of it ever reaches a backend.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.staged = nil
	if err := t.engine.walMgr.Abort(t.walTxn); err != nil {
		return fmt.Errorf("engine: abort transaction %s: %w", t.walTxn.ID, err)
	}
	metrics.TransactionsTotal.WithLabelValues("aborted").Inc()
	return nil
}

// withImplicitTxn runs fn against a fresh transaction and commits it,
// giving every top-level Engine mutation WAL durability even when the
// caller never opened an explicit transaction.
func (e *Engine) withImplicitTxn(fn func(t *Txn) error) error {
	t := e.Begin()
	if err := fn(t); err != nil {
		_ = t.Rollback()
		return err
	}
	return t.Commit()
}
