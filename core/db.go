package core

import (
	"context"

	"github.com/jmoiron/sqlx"
)

type (
	// DBExecutor is satisfied by both *sqlx.DB and *sqlx.Tx, so repositories can run inside a service's tx.
	DBExecutor interface {
		sqlx.ExtContext
	}

	// Transactor runs fn inside a single transaction, committing when fn returns nil and rolling back otherwise.
	Transactor interface {
		InTx(ctx context.Context, fn func(exec DBExecutor) error) error
	}
)

type DBOrdering struct {
	Field     string
	Ascending bool
}

func (ord DBOrdering) String() string {
	direction := "DESC"
	if ord.Ascending {
		direction = "ASC"
	}
	return ord.Field + " " + direction
}
