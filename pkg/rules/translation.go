package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/quarrylabs/quarry/pkg/database"
)

// PGTranslationStore keeps translations in the ir_translation system table.
type PGTranslationStore struct {
	conn database.Conn
}

// NewPGTranslationStore creates a store over the given connection.
func NewPGTranslationStore(conn database.Conn) *PGTranslationStore {
	return &PGTranslationStore{conn: conn}
}

func (s *PGTranslationStore) GetIDs(ctx context.Context, name, lang string, ids []int64) (map[int64]string, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT res_id, value FROM ir_translation
		 WHERE name = $1 AND lang = $2 AND res_id = ANY($3) AND value IS NOT NULL`,
		name, lang, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read translations: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var value string
		if err := rows.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("failed to scan translation: %w", err)
		}
		out[id] = value
	}
	return out, rows.Err()
}

func (s *PGTranslationStore) SetIDs(ctx context.Context, name, lang string, values map[int64]string) error {
	for id, value := range values {
		_, err := s.conn.Exec(ctx,
			`INSERT INTO ir_translation (name, res_id, lang, value)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT ON CONSTRAINT ir_translation_key_uniq
			 DO UPDATE SET value = EXCLUDED.value`,
			name, id, lang, value)
		if err != nil {
			return fmt.Errorf("failed to store translation: %w", err)
		}
	}
	return nil
}

func (s *PGTranslationStore) DeleteIDs(ctx context.Context, name string, ids []int64) error {
	_, err := s.conn.Exec(ctx,
		`DELETE FROM ir_translation WHERE name = $1 AND res_id = ANY($2)`,
		name, ids)
	if err != nil {
		return fmt.Errorf("failed to delete translations: %w", err)
	}
	return nil
}

var _ TranslationStore = (*PGTranslationStore)(nil)

// MemoryTranslations is an in-memory TranslationStore for tests.
type MemoryTranslations struct {
	mu     sync.RWMutex
	values map[string]map[int64]string // "<name>|<lang>" -> id -> text
}

// NewMemoryTranslations creates an empty store.
func NewMemoryTranslations() *MemoryTranslations {
	return &MemoryTranslations{values: make(map[string]map[int64]string)}
}

func (s *MemoryTranslations) GetIDs(_ context.Context, name, lang string, ids []int64) (map[int64]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.values[name+"|"+lang]
	out := make(map[int64]string)
	for _, id := range ids {
		if v, ok := byID[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (s *MemoryTranslations) SetIDs(_ context.Context, name, lang string, values map[int64]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := name + "|" + lang
	if s.values[key] == nil {
		s.values[key] = make(map[int64]string)
	}
	for id, v := range values {
		s.values[key][id] = v
	}
	return nil
}

func (s *MemoryTranslations) DeleteIDs(_ context.Context, name string, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, byID := range s.values {
		if !strings.HasPrefix(key, name+"|") {
			continue
		}
		for _, id := range ids {
			delete(byID, id)
		}
	}
	return nil
}

var _ TranslationStore = (*MemoryTranslations)(nil)
