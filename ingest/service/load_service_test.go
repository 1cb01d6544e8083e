package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgtype"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samjbobb/tripload/config"
	"github.com/samjbobb/tripload/ingest/db"
	"github.com/samjbobb/tripload/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var tripColumns = []db.Column{
	{Name: "VendorID", ValueType: pgtype.Int8OID},
	{Name: "trip_distance", ValueType: pgtype.Float8OID},
}

// fakeTarget keeps appended rows per table and fails the appends listed in failures.
type fakeTarget struct {
	created  []*db.Relation
	tables   map[string][][]interface{}
	appends  int
	failures map[int]error
	// transient reports which errors IsTransient accepts; nil means the target has no opinion
	transient func(error) bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{tables: map[string][][]interface{}{}, failures: map[int]error{}}
}

func (t *fakeTarget) CreateOrReplace(ctx context.Context, relation *db.Relation) error {
	t.created = append(t.created, relation)
	t.tables[relation.Table] = [][]interface{}{}
	return nil
}

func (t *fakeTarget) Append(ctx context.Context, relation *db.Relation, batch db.Batch) error {
	t.appends++
	if err, ok := t.failures[t.appends]; ok {
		return err
	}
	if _, ok := t.tables[relation.Table]; !ok {
		return fmt.Errorf("%w: relation %s does not exist", db.ErrSchemaConflict, relation.Table)
	}
	for i := 0; i < batch.NumRows(); i++ {
		vals, err := batch.Values(i)
		if err != nil {
			return err
		}
		t.tables[relation.Table] = append(t.tables[relation.Table], vals)
	}
	return nil
}

func (t *fakeTarget) Close(ctx context.Context) error {
	return nil
}

type classifyingTarget struct {
	*fakeTarget
}

func (t classifyingTarget) IsTransient(err error) bool {
	return t.transient(err)
}

type fakeBatch struct {
	db.Rows
	offset   int64
	released *int
}

func (b *fakeBatch) Relation() *db.Relation {
	return &db.Relation{Columns: tripColumns}
}

func (b *fakeBatch) Offset() int64 {
	return b.offset
}

func (b *fakeBatch) Release() {
	*b.released++
}

// fakeReader splits numRows generated trip rows into batches of batchSize.
type fakeReader struct {
	numRows   int
	batchSize int
	read      int
	released  int
	err       error
	errAfter  int
}

func (r *fakeReader) Schema() *db.Relation {
	return &db.Relation{Columns: tripColumns}
}

func (r *fakeReader) Next(ctx context.Context) (Batch, error) {
	if r.err != nil && r.read >= r.errAfter {
		return nil, r.err
	}
	if r.read >= r.numRows {
		return nil, io.EOF
	}
	n := r.batchSize
	if r.numRows-r.read < n {
		n = r.numRows - r.read
	}
	rows := make(db.Rows, n)
	for i := range rows {
		row := r.read + i
		rows[i] = []interface{}{int64(row % 2), float64(row) / 10}
	}
	b := &fakeBatch{Rows: rows, offset: int64(r.read), released: &r.released}
	r.read += n
	return b, nil
}

type fakeLookup struct {
	db.Rows
}

func (l fakeLookup) Relation() *db.Relation {
	return &db.Relation{Columns: []db.Column{
		{Name: "LocationID", ValueType: pgtype.Int8OID},
		{Name: "Borough", ValueType: pgtype.TextOID},
		{Name: "Zone", ValueType: pgtype.TextOID},
	}}
}

var zones = fakeLookup{db.Rows{
	{int64(1), "EWR", "Newark Airport"},
	{int64(2), "Queens", "Jamaica Bay"},
	{int64(264), "Unknown", nil},
}}

func loadTrips(t *testing.T, s *Service, reader BatchReader) (Progress, error) {
	t.Helper()
	ctx := context.Background()
	relation, first, err := s.InitializeSchema(ctx, "yellow_taxi_trips", reader)
	require.NoError(t, err)
	return s.LoadBatches(ctx, relation, reader, first)
}

func TestService_LoadLookup(t *testing.T) {
	target := newFakeTarget()
	s := NewService(config.LoadCfg{}, target, metrics.New())

	n, err := s.LoadLookup(context.Background(), "zones", zones)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, target.created, 1)
	assert.Equal(t, []string{"LocationID", "Borough", "Zone"}, target.created[0].ColumnNames())
	assert.Equal(t, "zones", target.created[0].Table)
	assert.Equal(t, [][]interface{}(zones.Rows), target.tables["zones"])

	// a second run replaces rather than duplicates
	_, err = s.LoadLookup(context.Background(), "zones", zones)
	require.NoError(t, err)
	assert.Len(t, target.tables["zones"], 3)
}

func TestService_LoadLookupFailure(t *testing.T) {
	target := newFakeTarget()
	target.failures[1] = fmt.Errorf("%w: connection reset", db.ErrConnectivity)
	s := NewService(config.LoadCfg{}, target, metrics.New())

	_, err := s.LoadLookup(context.Background(), "zones", zones)
	assert.ErrorIs(t, err, db.ErrInsert)
	assert.ErrorIs(t, err, db.ErrConnectivity)
	assert.Empty(t, target.tables["zones"], "the table exists but holds no rows")
}

func TestService_LoadBatches(t *testing.T) {
	type args struct {
		numRows   int
		batchSize int
	}
	tests := []struct {
		name        string
		args        args
		wantBatches int
	}{
		{name: "uneven last batch", args: args{numRows: 250, batchSize: 100}, wantBatches: 3},
		{name: "exact multiple", args: args{numRows: 300, batchSize: 100}, wantBatches: 3},
		{name: "one batch", args: args{numRows: 42, batchSize: 100}, wantBatches: 1},
		{name: "batch size one", args: args{numRows: 5, batchSize: 1}, wantBatches: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := newFakeTarget()
			m := metrics.New()
			s := NewService(config.LoadCfg{}, target, m)
			reader := &fakeReader{numRows: tt.args.numRows, batchSize: tt.args.batchSize}

			progress, err := loadTrips(t, s, reader)
			require.NoError(t, err)
			assert.Equal(t, Progress{Batches: tt.wantBatches, Rows: int64(tt.args.numRows)}, progress)
			assert.Len(t, target.tables["yellow_taxi_trips"], tt.args.numRows, "the first batch is loaded too")
			assert.Equal(t, tt.wantBatches, reader.released)
			expected := fmt.Sprintf(`
# HELP tripload_rows_loaded_total Rows committed to the destination table.
# TYPE tripload_rows_loaded_total counter
tripload_rows_loaded_total{table="yellow_taxi_trips"} %d
`, tt.args.numRows)
			assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "tripload_rows_loaded_total"))
		})
	}
}

func TestService_SameContentsForAnyBatchSize(t *testing.T) {
	var want [][]interface{}
	for _, batchSize := range []int{1, 7, 100, 1000} {
		target := newFakeTarget()
		_, err := loadTrips(t, NewService(config.LoadCfg{}, target, nil), &fakeReader{numRows: 250, batchSize: batchSize})
		require.NoError(t, err)
		if want == nil {
			want = target.tables["yellow_taxi_trips"]
			continue
		}
		assert.Equal(t, want, target.tables["yellow_taxi_trips"], "batch size %d", batchSize)
	}
}

func TestService_LoadBatchesFailure(t *testing.T) {
	target := newFakeTarget()
	target.failures[3] = errors.New("ERROR: invalid input syntax for type bigint (SQLSTATE 22P02)")
	m := metrics.New()
	s := NewService(config.LoadCfg{MaxRetries: 3}, target, m)
	reader := &fakeReader{numRows: 500, batchSize: 100}

	progress, err := loadTrips(t, s, reader)
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrInsert)
	var insertErr *db.InsertError
	require.True(t, errors.As(err, &insertErr))
	assert.Equal(t, 3, insertErr.Batch)
	assert.Equal(t, 100, insertErr.Rows)
	assert.Equal(t, "yellow_taxi_trips", insertErr.Table)
	assert.Equal(t, Progress{Batches: 2, Rows: 200}, progress)
	assert.Len(t, target.tables["yellow_taxi_trips"], 200, "batches 1 and 2 stay committed")
	assert.Equal(t, 3, target.appends, "errors that are not transient are not retried")
	assert.Equal(t, 3, reader.released)
	count, err := testutil.GatherAndCount(m.Registry(), "tripload_append_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestService_LoadBatchesReadError(t *testing.T) {
	target := newFakeTarget()
	reader := &fakeReader{numRows: 500, batchSize: 100, err: fmt.Errorf("%w: truncated column chunk", db.ErrDecode), errAfter: 200}

	progress, err := loadTrips(t, NewService(config.LoadCfg{}, target, nil), reader)
	assert.ErrorIs(t, err, db.ErrDecode)
	assert.EqualError(t, err, "could not read batch 3: malformed source: truncated column chunk")
	assert.Equal(t, Progress{Batches: 2, Rows: 200}, progress)
}

func TestService_Retry(t *testing.T) {
	transient := fmt.Errorf("%w: connection reset by peer", db.ErrConnectivity)
	type args struct {
		maxRetries int
		failures   map[int]error
		transient  func(error) bool
	}
	tests := []struct {
		name        string
		args        args
		wantErr     error
		wantAppends int
	}{
		{
			name:        "disabled by default",
			args:        args{maxRetries: 0, failures: map[int]error{2: transient}},
			wantErr:     db.ErrConnectivity,
			wantAppends: 2,
		},
		{
			name:        "transient failures are retried",
			args:        args{maxRetries: 3, failures: map[int]error{2: transient, 3: transient}},
			wantErr:     nil,
			wantAppends: 5,
		},
		{
			name:        "gives up after max retries",
			args:        args{maxRetries: 2, failures: map[int]error{2: transient, 3: transient, 4: transient}},
			wantErr:     db.ErrConnectivity,
			wantAppends: 4,
		},
		{
			name:        "schema conflicts are not retried",
			args:        args{maxRetries: 3, failures: map[int]error{2: fmt.Errorf("%w: column missing", db.ErrSchemaConflict)}},
			wantErr:     db.ErrSchemaConflict,
			wantAppends: 2,
		},
		{
			name: "target classification wins",
			args: args{
				maxRetries: 3,
				failures:   map[int]error{2: errors.New("deadlock detected")},
				transient:  func(err error) bool { return err.Error() == "deadlock detected" },
			},
			wantErr:     nil,
			wantAppends: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeTarget()
			fake.failures = tt.args.failures
			var tgt interface {
				CreateOrReplace(context.Context, *db.Relation) error
				Append(context.Context, *db.Relation, db.Batch) error
				Close(context.Context) error
			} = fake
			if tt.args.transient != nil {
				fake.transient = tt.args.transient
				tgt = classifyingTarget{fake}
			}
			s := NewService(config.LoadCfg{MaxRetries: tt.args.maxRetries, RetryDelay: time.Millisecond}, tgt, nil)

			_, err := loadTrips(t, s, &fakeReader{numRows: 300, batchSize: 100})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, db.ErrInsert)
			} else {
				assert.NoError(t, err)
				assert.Len(t, fake.tables["yellow_taxi_trips"], 300, "retried batches are not duplicated")
			}
			assert.Equal(t, tt.wantAppends, fake.appends)
		})
	}
}

func TestService_RetryCancelled(t *testing.T) {
	fake := newFakeTarget()
	fake.failures = map[int]error{1: db.ErrConnectivity, 2: db.ErrConnectivity}
	s := NewService(config.LoadCfg{MaxRetries: 5, RetryDelay: time.Hour}, fake, nil)
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{numRows: 10, batchSize: 10}
	relation, first, err := s.InitializeSchema(ctx, "yellow_taxi_trips", reader)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = s.LoadBatches(ctx, relation, reader, first)
	assert.ErrorIs(t, err, db.ErrInsert)
	assert.Equal(t, 1, fake.appends)
}

func TestService_IndexColumn(t *testing.T) {
	target := newFakeTarget()
	s := NewService(config.LoadCfg{IndexColumn: "index"}, target, nil)

	_, err := s.LoadLookup(context.Background(), "zones", zones)
	require.NoError(t, err)
	_, err = loadTrips(t, s, &fakeReader{numRows: 25, batchSize: 10})
	require.NoError(t, err)

	require.Len(t, target.created, 2)
	assert.Equal(t, []string{"index", "LocationID", "Borough", "Zone"}, target.created[0].ColumnNames())
	assert.Equal(t, []string{"index", "VendorID", "trip_distance"}, target.created[1].ColumnNames())
	assert.Equal(t, uint32(pgtype.Int8OID), target.created[1].Columns[0].ValueType)

	assert.Equal(t, []interface{}{int64(2), int64(264), "Unknown", nil}, target.tables["zones"][2])
	trips := target.tables["yellow_taxi_trips"]
	require.Len(t, trips, 25)
	for i, row := range trips {
		assert.Equal(t, int64(i), row[0], "index is file-wide across batches")
		assert.Equal(t, float64(i)/10, row[2])
	}
}

func TestService_InitializeSchemaEmptyFile(t *testing.T) {
	target := newFakeTarget()
	s := NewService(config.LoadCfg{}, target, nil)
	reader := &fakeReader{numRows: 0, batchSize: 10}

	relation, first, err := s.InitializeSchema(context.Background(), "yellow_taxi_trips", reader)
	require.NoError(t, err)
	assert.Nil(t, first)
	assert.Equal(t, []string{"VendorID", "trip_distance"}, relation.ColumnNames())
	require.Len(t, target.created, 1)
	assert.Empty(t, target.tables["yellow_taxi_trips"])

	progress, err := s.LoadBatches(context.Background(), relation, reader, first)
	require.NoError(t, err)
	assert.Equal(t, Progress{}, progress)
	assert.Equal(t, 0, target.appends)
}

func TestService_InitializeSchemaReadError(t *testing.T) {
	target := newFakeTarget()
	reader := &fakeReader{numRows: 10, batchSize: 10, err: db.ErrDecode}

	_, _, err := NewService(config.LoadCfg{}, target, nil).InitializeSchema(context.Background(), "yellow_taxi_trips", reader)
	assert.ErrorIs(t, err, db.ErrDecode)
	assert.Empty(t, target.created, "nothing is created before the first batch is read")
}
