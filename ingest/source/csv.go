package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgtype"
	"github.com/samjbobb/tripload/ingest/db"
)

// Table is a lookup dataset held fully in memory.
type Table struct {
	relation *db.Relation
	rows     db.Rows
}

func (t *Table) Relation() *db.Relation {
	return t.relation
}

func (t *Table) NumRows() int {
	return len(t.rows)
}

func (t *Table) Values(i int) ([]interface{}, error) {
	return t.rows.Values(i)
}

// ReadCSV reads the CSV file at path. The first record is the header.
func ReadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", db.ErrNotFound, path)
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := DecodeCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// DecodeCSV decodes a CSV stream with a header row, inferring one type per column from every value
// in it: bigint, then double precision, then boolean, falling back to text. Empty fields are NULL.
// A column with an empty header field is named "Unnamed: N" after its zero-based position.
func DecodeCSV(in io.Reader) (*Table, error) {
	records, err := csv.NewReader(in).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrDecode, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: missing header row", db.ErrDecode)
	}
	header, body := records[0], records[1:]

	relation := &db.Relation{Columns: make([]db.Column, len(header))}
	parsers := make([]func(string) interface{}, len(header))
	for colIdx, name := range header {
		oid, parse := inferColumn(body, colIdx)
		name = strings.TrimPrefix(name, "\ufeff")
		if name == "" {
			name = fmt.Sprintf("Unnamed: %d", colIdx)
		}
		relation.Columns[colIdx] = db.Column{Name: name, ValueType: oid}
		parsers[colIdx] = parse
	}

	rows := make(db.Rows, len(body))
	for rowIdx, record := range body {
		row := make([]interface{}, len(record))
		for colIdx, v := range record {
			if v == "" {
				continue
			}
			row[colIdx] = parsers[colIdx](v)
		}
		rows[rowIdx] = row
	}
	return &Table{relation: relation, rows: rows}, nil
}

// candidate types, most specific first
var inferenceOrder = []struct {
	oid   uint32
	parse func(string) (interface{}, bool)
}{
	{pgtype.Int8OID, func(s string) (interface{}, bool) {
		v, err := strconv.ParseInt(s, 10, 64)
		return v, err == nil
	}},
	{pgtype.Float8OID, func(s string) (interface{}, bool) {
		v, err := strconv.ParseFloat(s, 64)
		return v, err == nil
	}},
	{pgtype.BoolOID, func(s string) (interface{}, bool) {
		switch strings.ToLower(s) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
		return nil, false
	}},
}

func inferColumn(records [][]string, colIdx int) (uint32, func(string) interface{}) {
	seen := false
Candidates:
	for _, candidate := range inferenceOrder {
		for _, record := range records {
			v := record[colIdx]
			if v == "" {
				continue
			}
			seen = true
			if _, ok := candidate.parse(v); !ok {
				continue Candidates
			}
		}
		if !seen {
			break
		}
		parse := candidate.parse
		return candidate.oid, func(s string) interface{} {
			v, _ := parse(s)
			return v
		}
	}
	return pgtype.TextOID, func(s string) interface{} { return s }
}
