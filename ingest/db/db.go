package db

import (
	"bytes"
	"fmt"

	"github.com/jackc/pgtype"
)

// Relation describes a destination table. Column types are PostgreSQL type OIDs; targets for other
// databases translate them.
type Relation struct {
	Table   string
	Columns []Column
}

type Column struct {
	Name      string
	ValueType uint32
}

// Batch is an ordered group of rows that is appended to a relation in one unit of work.
// Values returns the values of row i in column order; nil is NULL.
type Batch interface {
	NumRows() int
	Values(i int) ([]interface{}, error)
}

func (r *Relation) Equal(r2 *Relation) bool {
	if r.Table != r2.Table {
		return false
	}
	if len(r.Columns) != len(r2.Columns) {
		return false
	}
	for idx, col := range r.Columns {
		col2 := r2.Columns[idx]
		if col.Name != col2.Name || col.ValueType != col2.ValueType {
			return false
		}
	}
	return true
}

func (r *Relation) ColumnNames() []string {
	out := make([]string, len(r.Columns))
	for idx, col := range r.Columns {
		out[idx] = col.Name
	}
	return out
}

// Named returns a copy of the relation bound to another table name.
func (r *Relation) Named(table string) *Relation {
	cols := make([]Column, len(r.Columns))
	copy(cols, r.Columns)
	return &Relation{Table: table, Columns: cols}
}

// WithIndex returns a copy of the relation with a leading bigint column called name.
// An empty name returns the relation unchanged.
func (r *Relation) WithIndex(name string) *Relation {
	if name == "" {
		return r
	}
	cols := make([]Column, 0, len(r.Columns)+1)
	cols = append(cols, Column{Name: name, ValueType: pgtype.Int8OID})
	cols = append(cols, r.Columns...)
	return &Relation{Table: r.Table, Columns: cols}
}

func (r *Relation) String() string {
	var buf bytes.Buffer
	buf.WriteString(r.Table)
	buf.WriteString(" (")
	for idx, col := range r.Columns {
		if idx > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(fmt.Sprintf("%s %s", col.Name, TypeName(col.ValueType)))
	}
	buf.WriteString(")")
	return buf.String()
}

var typeNames = map[uint32]string{
	pgtype.BoolOID:        "boolean",
	pgtype.Int2OID:        "smallint",
	pgtype.Int4OID:        "integer",
	pgtype.Int8OID:        "bigint",
	pgtype.NumericOID:     "numeric",
	pgtype.Float4OID:      "real",
	pgtype.Float8OID:      "double precision",
	pgtype.TextOID:        "text",
	pgtype.ByteaOID:       "bytea",
	pgtype.DateOID:        "date",
	pgtype.TimestampOID:   "timestamp",
	pgtype.TimestamptzOID: "timestamptz",
}

// TypeName returns the PostgreSQL DDL name for a type OID, or "" when the OID is not one the loader
// produces.
func TypeName(oid uint32) string {
	return typeNames[oid]
}

// IndexedBatch prepends the file-wide row ordinal to each row of a batch.
type IndexedBatch struct {
	Batch
	Offset int64
}

func (b *IndexedBatch) Values(i int) ([]interface{}, error) {
	vals, err := b.Batch.Values(i)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(vals)+1)
	out = append(out, b.Offset+int64(i))
	return append(out, vals...), nil
}

// Rows is a fully materialized Batch.
type Rows [][]interface{}

func (r Rows) NumRows() int {
	return len(r)
}

func (r Rows) Values(i int) ([]interface{}, error) {
	return r[i], nil
}
