package persistence

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Transaction is the resource-local transaction of an EntityManager.
type Transaction struct {
	em           *EntityManager
	tx           bun.Tx
	active       bool
	rollbackOnly bool
}

// Begin starts a database transaction. Reads and writes of the manager go
// through it until Commit or Rollback.
func (t *Transaction) Begin(ctx context.Context) error {
	if err := t.em.requireOpen(); err != nil {
		return err
	}
	if t.active {
		return ErrTransactionActive
	}

	tx, err := t.em.factory.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin: %w", err)
	}
	t.tx = tx
	t.active = true
	t.rollbackOnly = false
	return nil
}

// Commit flushes the persistence context and commits. Second-level cache
// entries of updated or removed rows and the query cache regions written to
// are evicted afterwards. A failed flush rolls the transaction back.
func (t *Transaction) Commit(ctx context.Context) (err error) {
	if !t.active {
		return fmt.Errorf("persistence: commit: %w", ErrTransactionRequired)
	}

	ctx, span := startSpan(ctx, "Commit", nil)
	defer func() { endSpan(span, err) }()

	if t.rollbackOnly {
		if err := t.Rollback(ctx); err != nil {
			return err
		}
		return ErrRollbackOnly
	}

	if err := t.em.flush(ctx); err != nil {
		if rbErr := t.Rollback(ctx); rbErr != nil {
			t.em.logger.Error("rollback after failed flush", zap.Error(rbErr))
		}
		return err
	}

	if err := t.tx.Commit(); err != nil {
		t.active = false
		t.em.afterRollback()
		return fmt.Errorf("persistence: commit: %w", err)
	}
	t.active = false
	t.em.afterCommit(ctx)
	return nil
}

// Rollback aborts the transaction and detaches every managed entity.
func (t *Transaction) Rollback(ctx context.Context) error {
	if !t.active {
		return fmt.Errorf("persistence: rollback: %w", ErrTransactionRequired)
	}
	t.active = false
	t.rollbackOnly = false
	err := t.tx.Rollback()
	t.em.afterRollback()
	if err != nil {
		return fmt.Errorf("persistence: rollback: %w", err)
	}
	return nil
}

// SetRollbackOnly makes the next Commit roll back instead.
func (t *Transaction) SetRollbackOnly() {
	if t.active {
		t.rollbackOnly = true
	}
}

// RollbackOnly reports whether SetRollbackOnly was called on the active transaction.
func (t *Transaction) RollbackOnly() bool {
	return t.rollbackOnly
}

// IsActive reports whether Begin was called without a matching Commit or Rollback.
func (t *Transaction) IsActive() bool {
	return t.active
}

func (em *EntityManager) afterCommit(ctx context.Context) {
	f := em.factory

	if f.l2 != nil {
		for meta, ids := range em.evictions {
			for id := range ids {
				f.l2.evictKey(ctx, meta, id)
			}
		}
		for meta := range em.bulk {
			if meta.cacheable {
				f.l2.evictRegion(ctx, meta.region)
			}
		}
	}

	if f.queries != nil {
		if em.nativeWrite {
			f.queries.evictAll(ctx)
		} else {
			for meta := range em.written {
				f.queries.evictRegion(ctx, meta.region)
			}
		}
	}
	if em.nativeWrite && f.l2 != nil {
		f.l2.evictAll(ctx)
	}

	em.resetPending()
}

func (em *EntityManager) afterRollback() {
	em.pc = newPersistenceContext()
	em.resetPending()
}
