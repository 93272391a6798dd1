//go:build integration

package testhelpers

import (
	"context"
	"testing"
)

func TestTestDBConnection(t *testing.T) {
	testDB := GetTestDB(t)

	ctx := context.Background()

	// Migrations put the system tables in place.
	for _, table := range []string{"ir_translation", "ir_trigger_queue"} {
		var exists bool
		err := testDB.DB.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)",
			table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("expected table %s after migrations", table)
		}
	}
}

func TestTestDBReuse(t *testing.T) {
	first := GetTestDB(t)
	second := GetTestDB(t)

	if first != second {
		t.Error("expected the shared container to be reused")
	}
}
