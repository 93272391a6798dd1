package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quarrylabs/quarry/pkg/logging"
	"github.com/quarrylabs/quarry/pkg/schema"
)

func TestRedactMasksSensitiveValues(t *testing.T) {
	m := schema.NewModel("res.user",
		&schema.Char{Base: schema.Base{Name: "login"}},
		&schema.Char{Base: schema.Base{Name: "password", Sensitive: true}},
	)
	e := &Engine{}

	out := e.redact(m, map[string]any{"login": "admin", "password": "hunter2"})
	assert.Equal(t, "admin", out["login"])
	assert.Equal(t, logging.RedactedText, out["password"])
}
