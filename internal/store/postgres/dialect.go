package postgres

import (
	"errors"
	"fmt"
)

// ErrUnknownEngine reports an unrecognized database engine identifier.
// Configuration error: an engine without append-only guard statements must
// never degrade to a silent no-op.
var ErrUnknownEngine = errors.New("unknown database engine")

// GuardDialect supplies the engine-specific statements that install, suspend,
// and restore the row-level append-only enforcement on the audit table.
type GuardDialect interface {
	CreateGuards(table string) []string
	DropGuards(table string) []string
	RecreateGuards(table string) []string
}

// DialectFor selects the guard dialect for an engine identifier.
func DialectFor(engine string) (GuardDialect, error) {
	switch engine {
	case "postgres", "postgresql":
		return pgDialect{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}
}

// pgDialect enforces append-only with BEFORE UPDATE/DELETE triggers raising
// an exception. Postgres DDL is transactional, so dropping the triggers
// inside the purge transaction and recreating them before commit leaves no
// window where a concurrent session sees the table unguarded.
type pgDialect struct{}

func (pgDialect) CreateGuards(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s_guard() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '%s is append-only';
END;
$$ LANGUAGE plpgsql`, table, table),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_no_update ON %s`, table, table),
		fmt.Sprintf(`CREATE TRIGGER %s_no_update BEFORE UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION %s_guard()`, table, table, table),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_no_delete ON %s`, table, table),
		fmt.Sprintf(`CREATE TRIGGER %s_no_delete BEFORE DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s_guard()`, table, table, table),
	}
}

func (pgDialect) DropGuards(table string) []string {
	return []string{
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_no_update ON %s`, table, table),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_no_delete ON %s`, table, table),
	}
}

func (pgDialect) RecreateGuards(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TRIGGER %s_no_update BEFORE UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION %s_guard()`, table, table, table),
		fmt.Sprintf(`CREATE TRIGGER %s_no_delete BEFORE DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s_guard()`, table, table, table),
	}
}
