package memory

import (
	"time"

	"github.com/google/uuid"
)

// OpKind names a primitive store mutation inside a transaction.
type OpKind string

const (
	OpAdd             OpKind = "add"
	OpRemove          OpKind = "remove"
	OpUpdate          OpKind = "update"
	OpResolveConflict OpKind = "resolveConflict"
)

type txnRecord struct {
	Kind     OpKind
	VectorID string
	Prior    *MemoryVector // snapshot before the op, nil for add
	Next     *MemoryVector // snapshot after the op, nil for remove
	At       time.Time
}

// Transaction collects before/after snapshots of primitive mutations so a
// failed multi-step update can be unwound. Records are appended in apply
// order and replayed in reverse on rollback.
type Transaction struct {
	ID      string
	records []txnRecord
}

func newTransaction() *Transaction {
	return &Transaction{ID: uuid.NewString()}
}

func (t *Transaction) record(kind OpKind, id string, prior, next *MemoryVector) {
	if prior != nil {
		prior = prior.Clone()
	}
	if next != nil {
		next = next.Clone()
	}
	t.records = append(t.records, txnRecord{
		Kind:     kind,
		VectorID: id,
		Prior:    prior,
		Next:     next,
		At:       time.Now(),
	})
}

// Len reports the number of recorded mutations.
func (t *Transaction) Len() int {
	return len(t.records)
}

// rollbackLocked restores the pre-transaction state by applying inverses in
// reverse order. Caller holds the store write lock.
func (s *Store) rollbackLocked(tx *Transaction) {
	for i := len(tx.records) - 1; i >= 0; i-- {
		rec := tx.records[i]
		switch {
		case rec.Prior == nil && rec.Next != nil:
			// Inverse of add: delete.
			s.deleteLocked(rec.VectorID)
		case rec.Prior != nil && rec.Next == nil:
			// Inverse of remove: reinsert the prior snapshot.
			s.insertLocked(rec.Prior.Clone())
		case rec.Prior != nil && rec.Next != nil:
			// Inverse of update: restore the prior snapshot.
			s.insertLocked(rec.Prior.Clone())
		}
	}
	tx.records = nil
}
