// Package rules defines the external collaborators the storage engine
// consumes: the row-level rule evaluator, the access checker, the translation
// store and the trigger dispatcher. The engine only ever sees these
// interfaces; hosts plug in their own implementations.
package rules

import (
	"context"

	"github.com/quarrylabs/quarry/pkg/domain"
)

// Mode is the operation a rule or access check applies to.
type Mode string

const (
	Read   Mode = "read"
	Write  Mode = "write"
	Create Mode = "create"
	Delete Mode = "delete"
)

// Evaluator supplies an additional row-level filter domain per operation
// mode. A nil domain means unrestricted.
type Evaluator interface {
	DomainGet(ctx context.Context, model string, mode Mode) (domain.Domain, error)
}

// AccessChecker raises an access-denied error before any SQL is issued when
// the acting user lacks model- or field-level permission.
type AccessChecker interface {
	Check(ctx context.Context, model string, fields []string, mode Mode) error
}

// TranslationStore is the out-of-band storage for translatable text fields,
// keyed by "<model>,<field>", record id and language.
type TranslationStore interface {
	GetIDs(ctx context.Context, name, lang string, ids []int64) (map[int64]string, error)
	SetIDs(ctx context.Context, name, lang string, values map[int64]string) error
	// DeleteIDs drops all languages of the named field for deleted records.
	DeleteIDs(ctx context.Context, name string, ids []int64) error
}

// Trigger describes one registered side effect for a model event.
type Trigger struct {
	Name  string
	Model string
	Event Mode
}

// TriggerDispatcher enqueues asynchronous side effects. The engine fires it
// after validation succeeds, never before.
type TriggerDispatcher interface {
	GetTriggers(ctx context.Context, model string, event Mode) ([]Trigger, error)
	QueueTriggerAction(ctx context.Context, trigger Trigger, ids []int64) error
}
