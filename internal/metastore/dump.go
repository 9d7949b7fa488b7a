package metastore

import (
	"context"
	"database/sql"
	"fmt"

	"jobd/internal/apperrors"
)

// dumpTables names the tables the admin CLI may read, with whether they carry
// a job_id column.
var dumpTables = map[string]bool{
	"jobs":          true,
	"files":         true,
	"notifications": true,
	"subscriptions": false,
	"version":       false,
}

// Dump reads a whole table for the admin CLI, returning column names and
// stringified rows. jobID filters tables that have a job_id column;
// unfinishedOnly applies to the jobs table.
func (s *Store) Dump(ctx context.Context, table string, jobID int64, unfinishedOnly bool) ([]string, [][]string, error) {
	hasJobID, ok := dumpTables[table]
	if !ok {
		return nil, nil, apperrors.Validation("table", fmt.Sprintf("unknown table %q", table))
	}

	query := `SELECT * FROM ` + table
	args := []any{}
	var where []string
	if jobID > 0 && hasJobID {
		where = append(where, "job_id = ?")
		args = append(args, jobID)
	}
	if unfinishedOnly && table == "jobs" {
		where = append(where, "status IN ('unknown', 'started', 'running')")
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	if hasJobID {
		query += " ORDER BY job_id ASC"
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn("metastore.dump")
	if err != nil {
		return nil, nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, apperrors.Internal("metastore.dump", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, apperrors.Internal("metastore.dump", err)
	}

	var out [][]string
	for rows.Next() {
		cells := make([]sql.NullString, len(columns))
		scan := make([]any, len(columns))
		for i := range cells {
			scan[i] = &cells[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, nil, apperrors.Internal("metastore.dump", err)
		}
		row := make([]string, len(columns))
		for i, cell := range cells {
			if cell.Valid {
				row[i] = cell.String
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apperrors.Internal("metastore.dump", err)
	}
	return columns, out, nil
}
