package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Tx is the part of a pgx.Tx that store code writes through.
type Tx interface {
	Querier
	Copier
}

// InTx runs fn in a transaction and commits when it returns nil. The error
// from fn is returned unwrapped so callers keep their own error kinds.
func InTx(ctx context.Context, b Beginner, fn func(tx Tx) error) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}
	defer rollback(ctx, tx)

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "db: commit tx")
}

func rollback(ctx context.Context, tx pgx.Tx) {
	// no-op after a successful commit
	_ = tx.Rollback(ctx)
}
