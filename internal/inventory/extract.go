package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/yourorg/assetledger/internal/storage"
)

// Extract names, in bundle order.
const (
	ExtractCurrentAssignments = "current_assignments.csv"
	ExtractAssets             = "assets.csv"
	ExtractRepairs            = "repairs.csv"
	ExtractAssignmentEvents   = "assignment_events.csv"
	ExtractUsers              = "users.csv"
)

// ExtractNames lists every extract a snapshot carries.
var ExtractNames = []string{
	ExtractCurrentAssignments,
	ExtractAssets,
	ExtractRepairs,
	ExtractAssignmentEvents,
	ExtractUsers,
}

// Table is a rendered extract: every cell already converted to text.
type Table struct {
	Columns []string
	Rows    [][]string
}

type cellKind int

const (
	cellText cellKind = iota
	cellTimestamp
	cellDate
	cellFlag
)

type extractSpec struct {
	columns []string
	kinds   []cellKind
	query   string
}

// Row order is part of the output contract. Every ordering ends on a unique
// column so unchanged data renders byte-identical.
var extracts = map[string]extractSpec{
	ExtractCurrentAssignments: {
		columns: []string{"checkout_id", "asset_tag", "asset_name", "checked_out_to", "checked_out_by", "checkout_date", "expected_return_date", "asset_status"},
		kinds:   []cellKind{cellText, cellText, cellText, cellText, cellText, cellTimestamp, cellDate, cellText},
		query: `SELECT c.id, a.asset_tag, a.name, c.checked_out_to, u.name, c.checkout_date, c.expected_return_date, a.status
			FROM checkouts c
			JOIN assets a ON c.asset_id = a.id
			JOIN users u ON c.checked_out_by = u.id
			WHERE c.checked_in_date IS NULL
			ORDER BY c.checkout_date DESC, c.id DESC`,
	},
	ExtractAssets: {
		columns: []string{"id", "asset_tag", "name", "category", "type", "serial_number", "status", "location", "purchase_date", "purchase_cost", "condition", "repeat_breakage_flag", "created_at", "updated_at"},
		kinds:   []cellKind{cellText, cellText, cellText, cellText, cellText, cellText, cellText, cellText, cellText, cellText, cellText, cellFlag, cellTimestamp, cellTimestamp},
		query: `SELECT id, asset_tag, name, category, type, serial_number, status, location, purchase_date, purchase_cost,
				condition, repeat_breakage_flag, created_at, updated_at
			FROM assets
			ORDER BY asset_tag`,
	},
	ExtractRepairs: {
		columns: []string{"repair_id", "asset_tag", "status", "notes", "created_at", "updated_at"},
		kinds:   []cellKind{cellText, cellText, cellText, cellText, cellTimestamp, cellTimestamp},
		query: `SELECT r.id, a.asset_tag, r.status, r.notes, r.created_at, r.updated_at
			FROM repair_tickets r
			JOIN assets a ON r.asset_id = a.id
			ORDER BY r.updated_at DESC, r.id DESC`,
	},
	ExtractAssignmentEvents: {
		columns: []string{"checkout_id", "asset_tag", "checked_out_to", "checked_out_by", "checkout_date", "checked_in_date", "checkin_condition", "checkin_notes"},
		kinds:   []cellKind{cellText, cellText, cellText, cellText, cellTimestamp, cellTimestamp, cellText, cellText},
		query: `SELECT c.id, a.asset_tag, c.checked_out_to, u.name, c.checkout_date, c.checked_in_date, c.checkin_condition, c.checkin_notes
			FROM checkouts c
			JOIN assets a ON c.asset_id = a.id
			JOIN users u ON c.checked_out_by = u.id
			ORDER BY c.checkout_date DESC, c.id DESC`,
	},
	ExtractUsers: {
		columns: []string{"id", "email", "name", "role", "asset_tag", "grade_level", "repeat_breakage_flag", "created_at"},
		kinds:   []cellKind{cellText, cellText, cellText, cellText, cellText, cellText, cellFlag, cellTimestamp},
		query: `SELECT id, email, name, role, asset_tag, grade_level, repeat_breakage_flag, created_at
			FROM users
			ORDER BY name, id`,
	},
}

// Extract renders one named extract. An uninitialized database yields an
// empty table with headers.
func (s *Store) Extract(ctx context.Context, name string) (Table, error) {
	spec, ok := extracts[name]
	if !ok {
		return Table{}, fmt.Errorf("unknown extract %q", name)
	}
	var table Table
	err := s.db.WithSchemaRetry(ctx, func() error {
		var err error
		table, err = s.runExtract(ctx, spec)
		return err
	})
	if err != nil {
		return Table{}, fmt.Errorf("extract %s: %w", name, err)
	}
	return table, nil
}

func (s *Store) runExtract(ctx context.Context, spec extractSpec) (Table, error) {
	rows, err := s.db.Conn(ctx).QueryContext(ctx, spec.query)
	if err != nil {
		return Table{}, err
	}
	defer rows.Close()

	table := Table{Columns: spec.columns, Rows: [][]string{}}
	cells := make([]sql.NullString, len(spec.columns))
	dest := make([]any, len(cells))
	for i := range cells {
		dest[i] = &cells[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return Table{}, err
		}
		row := make([]string, len(cells))
		for i, c := range cells {
			v, err := renderCell(spec.kinds[i], c)
			if err != nil {
				return Table{}, fmt.Errorf("column %s: %w", spec.columns[i], err)
			}
			row[i] = v
		}
		table.Rows = append(table.Rows, row)
	}
	return table, rows.Err()
}

func renderCell(kind cellKind, v sql.NullString) (string, error) {
	if !v.Valid {
		if kind == cellFlag {
			return "false", nil
		}
		return "", nil
	}
	switch kind {
	case cellTimestamp, cellDate:
		if v.String == "" {
			return "", nil
		}
		t, err := storage.ParseTime(v.String)
		if err != nil {
			return "", err
		}
		if kind == cellDate {
			return t.Format("2006-01-02"), nil
		}
		return t.Format("2006-01-02 15:04:05"), nil
	case cellFlag:
		switch strings.ToLower(v.String) {
		case "1", "t", "true":
			return "true", nil
		}
		return "false", nil
	}
	return v.String, nil
}
