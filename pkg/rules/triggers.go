package rules

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/pkg/database"
)

// PGTriggerQueue persists trigger firings in the ir_trigger_queue system
// table for an out-of-process worker to drain. Trigger definitions themselves
// are registered in memory by the host at startup; only the firings need to
// survive the process.
type PGTriggerQueue struct {
	conn database.Conn

	mu       sync.RWMutex
	triggers map[string][]Trigger
}

// NewPGTriggerQueue creates a queue over the given connection.
func NewPGTriggerQueue(conn database.Conn) *PGTriggerQueue {
	return &PGTriggerQueue{conn: conn, triggers: make(map[string][]Trigger)}
}

// Add registers a trigger definition for a model event.
func (q *PGTriggerQueue) Add(t Trigger) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := t.Model + "|" + string(t.Event)
	q.triggers[key] = append(q.triggers[key], t)
}

func (q *PGTriggerQueue) GetTriggers(_ context.Context, model string, event Mode) ([]Trigger, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.triggers[model+"|"+string(event)], nil
}

// QueueTriggerAction enqueues one firing. The dedup key derives from the
// firing's content, so re-queueing the same batch collapses on the unique
// constraint instead of piling up duplicate rows.
func (q *PGTriggerQueue) QueueTriggerAction(ctx context.Context, trigger Trigger, ids []int64) error {
	_, err := q.conn.Exec(ctx,
		`INSERT INTO ir_trigger_queue (dedup_key, model, trigger_name, record_ids)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT ON CONSTRAINT ir_trigger_queue_dedup_uniq DO NOTHING`,
		dedupKey(trigger, ids), trigger.Model, trigger.Name, ids)
	if err != nil {
		return fmt.Errorf("failed to queue trigger %s: %w", trigger.Name, err)
	}
	return nil
}

func dedupKey(trigger Trigger, ids []int64) uuid.UUID {
	var sb strings.Builder
	sb.WriteString(trigger.Model)
	sb.WriteByte('|')
	sb.WriteString(trigger.Name)
	for _, id := range ids {
		sb.WriteByte('|')
		sb.WriteString(strconv.FormatInt(id, 10))
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(sb.String()))
}

// Pending returns queued, not yet dispatched actions for a trigger, oldest
// first.
func (q *PGTriggerQueue) Pending(ctx context.Context, model, triggerName string, limit int) ([]QueuedAction, error) {
	rows, err := q.conn.Query(ctx,
		`SELECT trigger_name, model, record_ids FROM ir_trigger_queue
		 WHERE model = $1 AND trigger_name = $2 AND dispatched_at IS NULL
		 ORDER BY enqueued_at LIMIT $3`,
		model, triggerName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read trigger queue: %w", err)
	}
	defer rows.Close()

	var out []QueuedAction
	for rows.Next() {
		var action QueuedAction
		if err := rows.Scan(&action.Trigger.Name, &action.Trigger.Model, &action.IDs); err != nil {
			return nil, fmt.Errorf("failed to scan queued trigger: %w", err)
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

// MarkDispatched stamps all pending actions of a trigger as handled.
func (q *PGTriggerQueue) MarkDispatched(ctx context.Context, model, triggerName string) error {
	_, err := q.conn.Exec(ctx,
		`UPDATE ir_trigger_queue SET dispatched_at = now()
		 WHERE model = $1 AND trigger_name = $2 AND dispatched_at IS NULL`,
		model, triggerName)
	if err != nil {
		return fmt.Errorf("failed to mark trigger actions dispatched: %w", err)
	}
	return nil
}

var _ TriggerDispatcher = (*PGTriggerQueue)(nil)
