package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/datastack/internal/model"
)

// createTableSQL returns the DDL for an entity table. Constraints beyond the
// primary key are enforced by the managed layer, not by SQLite.
func createTableSQL(e *model.Entity) string {
	defs := []string{
		"z_pk TEXT PRIMARY KEY",
		"z_opt INTEGER NOT NULL DEFAULT 1",
	}
	for _, c := range columns(e) {
		defs = append(defs, quoteIdent(c.name)+" "+c.sqlType())
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", quoteIdent(e.Name), strings.Join(defs, ",\n    "))
}

// applyStep runs one mapping step against the store. dest is the mapping's
// destination model, used to create whole tables.
func applyStep(ctx context.Context, q querier, dest *model.Model, step model.Step) error {
	table := quoteIdent(step.Entity)

	switch step.Op {
	case model.OpCreateEntity:
		e, err := dest.LookupEntity(step.Entity)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, createTableSQL(e))
		return err

	case model.OpDropEntity:
		_, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+table)
		return err

	case model.OpRenameEntity:
		_, err := q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(step.From), table))
		return err

	case model.OpAddColumn:
		_, err := q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, quoteIdent(step.Column), sqlType(step.Type)))
		if err != nil || step.Default == nil {
			return err
		}
		return fillColumn(ctx, q, step, false)

	case model.OpDropColumn:
		_, err := q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table, quoteIdent(step.Column)))
		return err

	case model.OpRenameColumn:
		_, err := q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", table, quoteIdent(step.From), quoteIdent(step.Column)))
		return err

	case model.OpFillDefault:
		return fillColumn(ctx, q, step, true)
	}
	return fmt.Errorf("unknown mapping step %q", step.Op)
}

// fillColumn writes the step default into existing rows, optionally only
// where the column is NULL
func fillColumn(ctx context.Context, q querier, step model.Step, onlyNull bool) error {
	v, err := encodeValue(step.Type, step.Default)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET %s = ?", quoteIdent(step.Entity), quoteIdent(step.Column))
	if onlyNull {
		query += fmt.Sprintf(" WHERE %s IS NULL", quoteIdent(step.Column))
	}
	_, err = q.ExecContext(ctx, query, v)
	return err
}
