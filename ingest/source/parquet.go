package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet/file"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"
	"github.com/jackc/pgtype"
	"github.com/samjbobb/tripload/ingest/db"
)

// recordReader is the part of pqarrow.RecordReader the loader relies on.
type recordReader interface {
	Next() bool
	Record() arrow.Record
	Release()
}

// ParquetReader yields the rows of a Parquet file as a forward-only sequence of batches.
// It is not safe for concurrent use and cannot be rewound; open the file again to re-read it.
type ParquetReader struct {
	path      string
	file      *file.Reader
	records   recordReader
	relation  *db.Relation
	batchSize int
	numRows   int64
	read      int64
	batches   int
	done      bool
}

// OpenParquet opens the Parquet file at path. Each batch returned by Next holds at most batchSize rows.
func OpenParquet(ctx context.Context, path string, batchSize int) (*ParquetReader, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batchSize must be a positive number")
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", db.ErrNotFound, path)
	} else if err != nil {
		return nil, err
	}

	pf, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("%w: could not open parquet file %s: %v", db.ErrDecode, path, err)
	}
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: int64(batchSize)}, memory.DefaultAllocator)
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("%w: could not read parquet metadata %s: %v", db.ErrDecode, path, err)
	}
	schema, err := fr.Schema()
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("%w: could not convert parquet schema %s: %v", db.ErrDecode, path, err)
	}
	relation, err := RelationFromArrow(schema)
	if err != nil {
		pf.Close()
		return nil, err
	}
	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("%w: could not create record reader %s: %v", db.ErrDecode, path, err)
	}

	return &ParquetReader{
		path:      path,
		file:      pf,
		records:   rr,
		relation:  relation,
		batchSize: batchSize,
		numRows:   pf.NumRows(),
	}, nil
}

// Schema returns the relation described by the file footer.
func (r *ParquetReader) Schema() *db.Relation {
	return r.relation
}

// NumRows returns the row count recorded in the file footer.
func (r *ParquetReader) NumRows() int64 {
	return r.numRows
}

// Next returns the next batch in file order, or io.EOF once every row has been returned.
// The caller owns the batch and must Release it.
func (r *ParquetReader) Next(ctx context.Context) (*TripBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.done {
		return nil, io.EOF
	}
	for r.records.Next() {
		rec := r.records.Record()
		if rec.NumRows() == 0 {
			continue
		}
		batch, err := newTripBatch(rec, r.read)
		if err != nil {
			return nil, err
		}
		r.read += rec.NumRows()
		r.batches++
		return batch, nil
	}
	r.done = true
	if e, ok := r.records.(interface{ Err() error }); ok && e.Err() != nil && !errors.Is(e.Err(), io.EOF) {
		return nil, fmt.Errorf("%w: could not read %s after %d rows: %v", db.ErrDecode, r.path, r.read, e.Err())
	}
	if r.read != r.numRows {
		return nil, fmt.Errorf("%w: %s yielded %d rows, footer records %d", db.ErrDecode, r.path, r.read, r.numRows)
	}
	return nil, io.EOF
}

func (r *ParquetReader) Close() error {
	r.records.Release()
	return r.file.Close()
}

// TripBatch is one Arrow record of the trips file.
type TripBatch struct {
	record   arrow.Record
	relation *db.Relation
	getters  []func(i int) interface{}
	offset   int64
}

func newTripBatch(rec arrow.Record, offset int64) (*TripBatch, error) {
	relation, err := RelationFromArrow(rec.Schema())
	if err != nil {
		return nil, err
	}
	getters := make([]func(i int) interface{}, rec.NumCols())
	for idx, col := range rec.Columns() {
		getters[idx], err = valueGetter(col)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", rec.ColumnName(idx), err)
		}
	}
	rec.Retain()
	return &TripBatch{record: rec, relation: relation, getters: getters, offset: offset}, nil
}

// Relation returns the schema derived from this batch alone.
func (b *TripBatch) Relation() *db.Relation {
	return b.relation
}

// Offset is the file-wide ordinal of the batch's first row.
func (b *TripBatch) Offset() int64 {
	return b.offset
}

func (b *TripBatch) NumRows() int {
	return int(b.record.NumRows())
}

func (b *TripBatch) Values(i int) ([]interface{}, error) {
	if i < 0 || i >= b.NumRows() {
		return nil, fmt.Errorf("row %d out of range [0, %d)", i, b.NumRows())
	}
	out := make([]interface{}, len(b.getters))
	for idx, get := range b.getters {
		out[idx] = get(i)
	}
	return out, nil
}

func (b *TripBatch) Release() {
	b.record.Release()
}

// RelationFromArrow derives column names and PostgreSQL types from an Arrow schema. A schema without
// fields is a schema conflict: no table can hold it and no batch of it ever has rows.
func RelationFromArrow(schema *arrow.Schema) (*db.Relation, error) {
	if len(schema.Fields()) == 0 {
		return nil, fmt.Errorf("%w: schema has no columns", db.ErrSchemaConflict)
	}
	out := &db.Relation{Columns: make([]db.Column, 0, len(schema.Fields()))}
	for _, field := range schema.Fields() {
		oid, err := pgTypeForArrow(field.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", field.Name, err)
		}
		out.Columns = append(out.Columns, db.Column{Name: field.Name, ValueType: oid})
	}
	return out, nil
}

func pgTypeForArrow(dt arrow.DataType) (uint32, error) {
	switch dt.ID() {
	case arrow.BOOL:
		return pgtype.BoolOID, nil
	case arrow.INT8, arrow.INT16, arrow.UINT8:
		return pgtype.Int2OID, nil
	case arrow.INT32, arrow.UINT16:
		return pgtype.Int4OID, nil
	case arrow.INT64, arrow.UINT32:
		return pgtype.Int8OID, nil
	case arrow.UINT64:
		return pgtype.NumericOID, nil
	case arrow.FLOAT16, arrow.FLOAT32:
		return pgtype.Float4OID, nil
	case arrow.FLOAT64:
		return pgtype.Float8OID, nil
	case arrow.STRING, arrow.LARGE_STRING:
		return pgtype.TextOID, nil
	case arrow.BINARY, arrow.LARGE_BINARY, arrow.FIXED_SIZE_BINARY:
		return pgtype.ByteaOID, nil
	case arrow.DATE32, arrow.DATE64:
		return pgtype.DateOID, nil
	case arrow.TIMESTAMP:
		if ts, ok := dt.(*arrow.TimestampType); ok && ts.TimeZone != "" {
			return pgtype.TimestamptzOID, nil
		}
		return pgtype.TimestampOID, nil
	}
	return 0, fmt.Errorf("%w: arrow type %s", db.ErrSchemaConflict, dt)
}

// valueGetter returns a function reading row i of arr as a value pgx can encode for the column type
// chosen by pgTypeForArrow.
func valueGetter(arr arrow.Array) (func(i int) interface{}, error) {
	var get func(i int) interface{}
	switch a := arr.(type) {
	case *array.Boolean:
		get = func(i int) interface{} { return a.Value(i) }
	case *array.Int8:
		get = func(i int) interface{} { return int16(a.Value(i)) }
	case *array.Int16:
		get = func(i int) interface{} { return a.Value(i) }
	case *array.Uint8:
		get = func(i int) interface{} { return int16(a.Value(i)) }
	case *array.Int32:
		get = func(i int) interface{} { return a.Value(i) }
	case *array.Uint16:
		get = func(i int) interface{} { return int32(a.Value(i)) }
	case *array.Int64:
		get = func(i int) interface{} { return a.Value(i) }
	case *array.Uint32:
		get = func(i int) interface{} { return int64(a.Value(i)) }
	case *array.Uint64:
		get = func(i int) interface{} { return a.Value(i) }
	case *array.Float16:
		get = func(i int) interface{} { return a.Value(i).Float32() }
	case *array.Float32:
		get = func(i int) interface{} { return a.Value(i) }
	case *array.Float64:
		get = func(i int) interface{} { return a.Value(i) }
	case *array.String:
		get = func(i int) interface{} { return a.Value(i) }
	case *array.LargeString:
		get = func(i int) interface{} { return a.Value(i) }
	case *array.Binary:
		get = func(i int) interface{} { return a.Value(i) }
	case *array.LargeBinary:
		get = func(i int) interface{} { return a.Value(i) }
	case *array.FixedSizeBinary:
		get = func(i int) interface{} { return a.Value(i) }
	case *array.Date32:
		get = func(i int) interface{} { return time.Unix(int64(a.Value(i))*86400, 0).UTC() }
	case *array.Date64:
		get = func(i int) interface{} { return time.UnixMilli(int64(a.Value(i))).UTC() }
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		get = func(i int) interface{} { return timestampToTime(int64(a.Value(i)), unit) }
	default:
		return nil, fmt.Errorf("%w: arrow type %s", db.ErrSchemaConflict, arr.DataType())
	}
	return func(i int) interface{} {
		if arr.IsNull(i) {
			return nil
		}
		return get(i)
	}, nil
}

func timestampToTime(v int64, unit arrow.TimeUnit) time.Time {
	switch unit {
	case arrow.Second:
		return time.Unix(v, 0).UTC()
	case arrow.Millisecond:
		return time.UnixMilli(v).UTC()
	case arrow.Microsecond:
		return time.UnixMicro(v).UTC()
	default:
		return time.Unix(0, v).UTC()
	}
}
