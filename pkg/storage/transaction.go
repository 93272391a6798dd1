// Package storage is the record persistence engine: create/write/delete with
// deferred setters and x2many instructions, domain search with rule filters,
// batched reads through the record caches, history tables with as-of reads,
// optimistic locking and tree maintenance for hierarchical models.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quarrylabs/quarry/pkg/database"
	"github.com/quarrylabs/quarry/pkg/pyson"
)

// Context keys recognized on a transaction. They travel as a plain string map
// so hosts can add their own keys for default functions and multivalue
// patterns.
const (
	CtxLanguage    = "language"
	CtxCompany     = "company"
	CtxAsOf        = "_datetime"
	CtxTimestamp   = "_timestamp"
	CtxCheckAccess = "_check_access"
)

// DefaultLanguage is the language values in the base tables are stored in.
const DefaultLanguage = "en"

// Transaction carries one database transaction plus the ambient request
// context: acting user, language, as-of instant, optimistic timestamps.
// Derived transactions from WithContext share the connection, the temp-id
// allocator and the record cache.
type Transaction struct {
	ID   uuid.UUID
	tx   pgx.Tx
	user int64

	context map[string]any

	shared *txShared
}

// txShared is the state all derivations of one transaction alias.
type txShared struct {
	mu     sync.Mutex
	tempID int64
	cache  *recordCache
	dirty  map[string]bool
}

// NewTransaction wraps a started pgx transaction for the acting user.
func NewTransaction(tx pgx.Tx, user int64) *Transaction {
	return &Transaction{
		ID:      uuid.New(),
		tx:      tx,
		user:    user,
		context: map[string]any{},
		shared:  &txShared{cache: newRecordCache(), dirty: make(map[string]bool)},
	}
}

// Conn returns the database connection of the transaction.
func (t *Transaction) Conn() database.Conn { return t.tx }

// User returns the acting user id.
func (t *Transaction) User() int64 { return t.user }

// WithContext derives a transaction with extra context keys. The original is
// untouched; connection and caches are shared.
func (t *Transaction) WithContext(kv map[string]any) *Transaction {
	derived := *t
	derived.context = make(map[string]any, len(t.context)+len(kv))
	for k, v := range t.context {
		derived.context[k] = v
	}
	for k, v := range kv {
		derived.context[k] = v
	}
	return &derived
}

// Context returns one context value.
func (t *Transaction) Context(key string) (any, bool) {
	v, ok := t.context[key]
	return v, ok
}

// PysonEnv exposes the context to default functions and pyson evaluation.
func (t *Transaction) PysonEnv() pyson.Env {
	env := make(pyson.Env, len(t.context)+1)
	for k, v := range t.context {
		env[k] = v
	}
	env["user"] = t.user
	return env
}

// Language returns the active language, defaulting to the base language.
func (t *Transaction) Language() string {
	if v, ok := t.context[CtxLanguage].(string); ok && v != "" {
		return v
	}
	return DefaultLanguage
}

// AsOf returns the historical read instant, nil for present-time reads.
func (t *Transaction) AsOf() *time.Time {
	switch v := t.context[CtxAsOf].(type) {
	case time.Time:
		return &v
	case *time.Time:
		return v
	}
	return nil
}

// CheckAccess reports whether access and rule checks apply. Engine-internal
// recursions disable it to avoid double-charging rule domains.
func (t *Transaction) CheckAccess() bool {
	if v, ok := t.context[CtxCheckAccess].(bool); ok {
		return v
	}
	return true
}

// Timestamps returns the optimistic-lock read timestamps provided by the
// caller, keyed "<model>,<id>".
func (t *Transaction) Timestamps() map[string]time.Time {
	if v, ok := t.context[CtxTimestamp].(map[string]time.Time); ok {
		return v
	}
	return nil
}

// NextTempID allocates a provisional negative id for an unsaved record.
// Negative ids are never visible in the database; saving assigns real ones.
func (t *Transaction) NextTempID() int64 {
	t.shared.mu.Lock()
	defer t.shared.mu.Unlock()
	t.shared.tempID--
	return t.shared.tempID
}

func (t *Transaction) cache() *recordCache { return t.shared.cache }

// markDirty records uncommitted changes to a model. Rows of dirty models must
// never reach caches shared with other transactions.
func (t *Transaction) markDirty(model string) {
	t.shared.mu.Lock()
	t.shared.dirty[model] = true
	t.shared.mu.Unlock()
}

// dirty reports whether the transaction holds uncommitted changes on a model.
func (t *Transaction) dirty(model string) bool {
	t.shared.mu.Lock()
	defer t.shared.mu.Unlock()
	return t.shared.dirty[model]
}

// RunInSavepoint executes fn inside a database savepoint, rolling back its
// effects when fn errors. A constraint failure inside fn leaves the enclosing
// transaction usable.
func (t *Transaction) RunInSavepoint(ctx context.Context, fn func(sub *Transaction) error) error {
	inner, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}
	sub := *t
	sub.tx = inner
	if err := fn(&sub); err != nil {
		_ = inner.Rollback(ctx)
		return err
	}
	if err := inner.Commit(ctx); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}
