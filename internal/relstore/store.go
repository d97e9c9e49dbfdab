// Package relstore reads the relational site-data rows the summary retriever
// resolves its top hit against. Rows come back as ordered column names plus
// string-valued records, which is what the downstream prompts consume.
package relstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/vk/inspectgridgo/internal/config"
)

// ErrBackendUnavailable marks an unreachable relational backend.
var ErrBackendUnavailable = errors.New("relstore: backend unavailable")

// ResultSet is a filtered slice of one logical table.
type ResultSet struct {
	Table   string
	Columns []string
	Rows    []map[string]string
}

// RowSource fetches the rows of one table ref filtered to a site and trial.
type RowSource interface {
	Rows(ctx context.Context, ref config.TableRef, siteID, trialID string) (ResultSet, error)
}

// PGSource is a RowSource over PostgreSQL.
type PGSource struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN.
func Open(dsn string) (*PGSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("relstore: open: %w", err)
	}
	return &PGSource{db: db}, nil
}

// NewPGSource wraps an existing handle, used by tests.
func NewPGSource(db *sql.DB) *PGSource {
	return &PGSource{db: db}
}

// Close releases the connection pool.
func (s *PGSource) Close() error {
	return s.db.Close()
}

// Rows implements RowSource. Every value is rendered as a string; SQL NULL
// becomes the empty string.
func (s *PGSource) Rows(ctx context.Context, ref config.TableRef, siteID, trialID string) (ResultSet, error) {
	cols := "*"
	if len(ref.Columns) > 0 {
		quoted := make([]string, len(ref.Columns))
		for i, c := range ref.Columns {
			quoted[i] = quoteIdent(c)
		}
		cols = strings.Join(quoted, ", ")
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s.%s WHERE %s = $1 AND %s = $2",
		cols,
		quoteIdent(ref.Schema), quoteIdent(ref.Name),
		quoteIdent(ref.SiteColumn), quoteIdent(ref.TrialColumn),
	)

	rows, err := s.db.QueryContext(ctx, query, siteID, trialID)
	if err != nil {
		return ResultSet{}, fmt.Errorf("%w: query %s.%s: %w", ErrBackendUnavailable, ref.Schema, ref.Name, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return ResultSet{}, fmt.Errorf("relstore: columns: %w", err)
	}

	out := ResultSet{Table: ref.Name, Columns: names}
	scan := make([]any, len(names))
	for i := range scan {
		scan[i] = new(sql.NullString)
	}
	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return ResultSet{}, fmt.Errorf("relstore: scan: %w", err)
		}
		rec := make(map[string]string, len(names))
		for i, name := range names {
			ns := scan[i].(*sql.NullString)
			if ns.Valid {
				rec[name] = ns.String
			} else {
				rec[name] = ""
			}
		}
		out.Rows = append(out.Rows, rec)
	}
	if err := rows.Err(); err != nil {
		return ResultSet{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return out, nil
}

// quoteIdent double-quotes an identifier, escaping embedded quotes. Table and
// column names come from the operator-authored reference file, not from model
// output, but quoting keeps a typo from becoming injected SQL.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
