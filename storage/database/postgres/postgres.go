// Package pgrepos implements the repositories on PostgreSQL with sqlx.
package pgrepos

import (
	"database/sql"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/growthhub/core"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// trapNoRowsErr maps psql "no rows" err to notFound
func trapNoRowsErr(err, notFound error, msg string) error {
	if errors.Cause(err) == sql.ErrNoRows {
		return notFound
	}
	return errors.Wrap(err, msg)
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool     { return pqCode(err) == pqUniqueViolation }
func isForeignKeyViolation(err error) bool { return pqCode(err) == pqForeignKeyViolation }

// orderBy builds an ORDER BY clause from the allowed fields only, with a fallback.
func orderBy(ordering []core.DBOrdering, allowed map[string]string, fallback string) string {
	clauses := make([]string, 0, len(ordering))
	for _, ord := range ordering {
		col, ok := allowed[ord.Field]
		if !ok {
			continue
		}
		clauses = append(clauses, core.DBOrdering{Field: col, Ascending: ord.Ascending}.String())
	}
	if len(clauses) == 0 {
		clauses = append(clauses, fallback)
	}
	return " ORDER BY " + strings.Join(clauses, ", ")
}
