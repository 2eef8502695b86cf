package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Merge describes a keyed upsert staged through a temporary table.
type Merge struct {
	Table   string
	Columns []string
	Keys    []string
	// Update lists the columns overwritten on conflict. Empty means every
	// non-key column.
	Update []string
}

func (m Merge) stage() string {
	return "_stage_" + strings.ReplaceAll(m.Table, ".", "_")
}

func (m Merge) updateColumns() []string {
	if len(m.Update) > 0 {
		return m.Update
	}
	var out []string
	for _, c := range m.Columns {
		isKey := false
		for _, k := range m.Keys {
			if c == k {
				isKey = true
				break
			}
		}
		if !isKey {
			out = append(out, c)
		}
	}
	return out
}

// statements returns the staging-table DDL and the merge insert.
func (m Merge) statements() (string, string) {
	stage := pgx.Identifier{m.stage()}.Sanitize()
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		stage, tableIdent(m.Table).Sanitize())

	cols := quoteColumns(m.Columns)
	action := "DO NOTHING"
	if upd := m.updateColumns(); len(upd) > 0 {
		sets := make([]string, len(upd))
		for i, c := range upd {
			q := pgx.Identifier{c}.Sanitize()
			sets[i] = q + " = EXCLUDED." + q
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		tableIdent(m.Table).Sanitize(), cols, cols, stage, quoteColumns(m.Keys), action)
	return create, insert
}

// Run stages rows with COPY and merges them into the table inside tx. It
// returns the number of rows inserted or updated.
func (m Merge) Run(ctx context.Context, tx Tx, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(m.Columns) == 0 || len(m.Keys) == 0 {
		return 0, eris.Errorf("db: merge into %s needs columns and keys", m.Table)
	}
	create, insert := m.statements()
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: stage %s", m.Table)
	}
	if _, err := CopyFrom(ctx, tx, m.stage(), m.Columns, rows); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, insert)
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge into %s", m.Table)
	}
	return tag.RowsAffected(), nil
}
