package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectForUnknownEngine(t *testing.T) {
	_, err := DialectFor("oracle")
	assert.ErrorIs(t, err, ErrUnknownEngine)

	_, err = DialectFor("")
	assert.ErrorIs(t, err, ErrUnknownEngine)
}

func TestPostgresDialectStatements(t *testing.T) {
	d, err := DialectFor("postgres")
	require.NoError(t, err)

	create := d.CreateGuards("audit_events")
	drop := d.DropGuards("audit_events")
	recreate := d.RecreateGuards("audit_events")

	assert.NotEmpty(t, create)
	require.Len(t, drop, 2)
	require.Len(t, recreate, 2)

	// Every trigger dropped during the purge window has a matching recreate.
	for _, stmt := range drop {
		assert.Contains(t, stmt, "DROP TRIGGER IF EXISTS")
	}
	for _, stmt := range recreate {
		assert.True(t, strings.HasPrefix(stmt, "CREATE TRIGGER"))
		assert.Contains(t, stmt, "audit_events_guard()")
	}
}
