package rules

import (
	"context"
	"sync"

	"github.com/quarrylabs/quarry/pkg/apperrors"
	"github.com/quarrylabs/quarry/pkg/domain"
)

// MemoryRules is an in-memory Evaluator and AccessChecker. It is the default
// for embedded use and tests; production hosts usually back these with their
// own user/group tables.
type MemoryRules struct {
	mu      sync.RWMutex
	domains map[string]map[Mode]domain.Domain
	denied  map[string]map[Mode]bool
}

// NewMemoryRules creates an unrestricted rule set.
func NewMemoryRules() *MemoryRules {
	return &MemoryRules{
		domains: make(map[string]map[Mode]domain.Domain),
		denied:  make(map[string]map[Mode]bool),
	}
}

// SetDomain installs a row-level filter for a model and mode.
func (r *MemoryRules) SetDomain(model string, mode Mode, d domain.Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.domains[model] == nil {
		r.domains[model] = make(map[Mode]domain.Domain)
	}
	r.domains[model][mode] = d
}

// Deny blocks a model/mode pair entirely.
func (r *MemoryRules) Deny(model string, mode Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denied[model] == nil {
		r.denied[model] = make(map[Mode]bool)
	}
	r.denied[model][mode] = true
}

func (r *MemoryRules) DomainGet(_ context.Context, model string, mode Mode) (domain.Domain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if byMode, ok := r.domains[model]; ok {
		return byMode[mode], nil
	}
	return nil, nil
}

func (r *MemoryRules) Check(_ context.Context, model string, fields []string, mode Mode) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.denied[model][mode] {
		return &apperrors.AccessError{Model: model, Fields: fields, Mode: string(mode)}
	}
	return nil
}

var (
	_ Evaluator     = (*MemoryRules)(nil)
	_ AccessChecker = (*MemoryRules)(nil)
)

// MemoryTriggers is an in-memory TriggerDispatcher recording queued actions;
// intended for tests and embedded use.
type MemoryTriggers struct {
	mu       sync.Mutex
	triggers map[string][]Trigger
	Queued   []QueuedAction
}

// QueuedAction is one recorded trigger firing.
type QueuedAction struct {
	Trigger Trigger
	IDs     []int64
}

// NewMemoryTriggers creates an empty dispatcher.
func NewMemoryTriggers() *MemoryTriggers {
	return &MemoryTriggers{triggers: make(map[string][]Trigger)}
}

// Add registers a trigger for a model event.
func (d *MemoryTriggers) Add(t Trigger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := t.Model + "|" + string(t.Event)
	d.triggers[key] = append(d.triggers[key], t)
}

func (d *MemoryTriggers) GetTriggers(_ context.Context, model string, event Mode) ([]Trigger, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggers[model+"|"+string(event)], nil
}

func (d *MemoryTriggers) QueueTriggerAction(_ context.Context, trigger Trigger, ids []int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Queued = append(d.Queued, QueuedAction{Trigger: trigger, IDs: ids})
	return nil
}

var _ TriggerDispatcher = (*MemoryTriggers)(nil)
