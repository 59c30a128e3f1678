package schema

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shardq/project/internal/platform/dbpool"
)

var ErrTableNotFound = errors.New("table not found")

type Column struct {
	Name     string
	DataType string
	Nullable bool
}

// Table is the shape of a queue table as the database reports it.
type Table struct {
	Name    string
	Columns []Column
}

// Compatible reports whether both tables have the same column set, ignoring column order.
func (t Table) Compatible(other Table) bool {
	if len(t.Columns) != len(other.Columns) {
		return false
	}
	a := sortedColumns(t.Columns)
	b := sortedColumns(other.Columns)
	return slices.Equal(a, b)
}

func sortedColumns(columns []Column) []Column {
	sorted := slices.Clone(columns)
	slices.SortFunc(sorted, func(x, y Column) int { return strings.Compare(x.Name, y.Name) })
	return sorted
}

const readTableSQL = `
SELECT column_name, data_type, is_nullable = 'YES'
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`

func ReadTable(ctx context.Context, db dbpool.DB, name string) (Table, error) {
	rows, err := db.Query(ctx, readTableSQL, name)
	if err != nil {
		return Table{}, fmt.Errorf("read table %s: %w", name, err)
	}
	defer rows.Close()

	table := Table{Name: name}
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable); err != nil {
			return Table{}, err
		}
		table.Columns = append(table.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return Table{}, err
	}
	if len(table.Columns) == 0 {
		return Table{}, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return table, nil
}
