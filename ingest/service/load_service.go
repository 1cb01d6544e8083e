package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samjbobb/tripload/config"
	"github.com/samjbobb/tripload/ingest/db"
	"github.com/samjbobb/tripload/ingest/source"
	"github.com/samjbobb/tripload/metrics"
	"github.com/samjbobb/tripload/target"
	"github.com/sirupsen/logrus"
)

// Lookup is a small dataset loaded in a single append.
type Lookup interface {
	db.Batch
	Relation() *db.Relation
}

// Batch is one batch of a BatchReader. Release is called once the batch has been appended.
type Batch interface {
	db.Batch
	Relation() *db.Relation
	Offset() int64
	Release()
}

// BatchReader yields batches in file order and io.EOF after the last one.
type BatchReader interface {
	Schema() *db.Relation
	Next(ctx context.Context) (Batch, error)
}

// Progress counts what LoadBatches committed.
type Progress struct {
	Batches int
	Rows    int64
}

// transientClassifier is implemented by targets that can tell a retryable append failure apart.
type transientClassifier interface {
	IsTransient(err error) bool
}

// Service loads source data into one target, one batch at a time.
type Service struct {
	cfg     config.LoadCfg
	target  target.TargetInterface
	metrics *metrics.Metrics
}

func NewService(cfg config.LoadCfg, target target.TargetInterface, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.New()
	}
	return &Service{cfg: cfg, target: target, metrics: m}
}

// LoadLookup replaces table with the lookup's columns and appends all of its rows. The table is
// created before any row is written, so a failed append leaves it empty.
func (s *Service) LoadLookup(ctx context.Context, table string, lookup Lookup) (int, error) {
	relation := lookup.Relation().Named(table).WithIndex(s.cfg.IndexColumn)
	if err := s.target.CreateOrReplace(ctx, relation); err != nil {
		return 0, fmt.Errorf("could not create lookup table %s: %w", table, err)
	}
	var batch db.Batch = lookup
	if s.cfg.IndexColumn != "" {
		batch = &db.IndexedBatch{Batch: lookup}
	}
	if _, err := s.appendBatch(ctx, relation, batch, 1); err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{"table": table, "rows": lookup.NumRows()}).Infoln("lookup table loaded")
	return lookup.NumRows(), nil
}

// InitializeSchema reads the first batch, replaces table with its columns and returns the relation
// together with that batch, which still has to be loaded. A file without rows yields a nil batch and
// the relation from the file footer.
func (s *Service) InitializeSchema(ctx context.Context, table string, reader BatchReader) (*db.Relation, Batch, error) {
	first, err := reader.Next(ctx)
	var relation *db.Relation
	switch {
	case errors.Is(err, io.EOF):
		first = nil
		relation = reader.Schema()
		logrus.WithField("table", table).Warnln("source has no rows, creating an empty table")
	case err != nil:
		return nil, nil, fmt.Errorf("could not read first batch: %w", err)
	default:
		relation = first.Relation()
	}
	relation = relation.Named(table).WithIndex(s.cfg.IndexColumn)

	if err := s.target.CreateOrReplace(ctx, relation); err != nil {
		if first != nil {
			first.Release()
		}
		return nil, nil, fmt.Errorf("could not create table %s: %w", table, err)
	}
	logrus.WithFields(logrus.Fields{"table": table, "relation": relation.String()}).Infoln("table created")
	return relation, first, nil
}

// LoadBatches appends first and then every remaining batch of reader to relation, each in its own unit
// of work. On failure the batches before the failing one stay committed and the error is an
// *db.InsertError naming the failing batch.
func (s *Service) LoadBatches(ctx context.Context, relation *db.Relation, reader BatchReader, first Batch) (Progress, error) {
	var progress Progress
	batch := first
	for batch != nil {
		number := progress.Batches + 1
		var rows db.Batch = batch
		if s.cfg.IndexColumn != "" {
			rows = &db.IndexedBatch{Batch: batch, Offset: batch.Offset()}
		}
		took, err := s.appendBatch(ctx, relation, rows, number)
		batch.Release()
		if err != nil {
			return progress, err
		}
		progress.Batches = number
		progress.Rows += int64(rows.NumRows())
		logrus.WithFields(logrus.Fields{
			"table": relation.Table,
			"batch": number,
			"rows":  rows.NumRows(),
			"total": progress.Rows,
			"took":  took.Round(time.Millisecond).Seconds(),
		}).Infoln("inserted batch")

		next, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return progress, fmt.Errorf("could not read batch %d: %w", number+1, err)
		}
		batch = next
	}
	return progress, nil
}

// appendBatch appends one batch, retrying transient failures when load.maxretries is set.
func (s *Service) appendBatch(ctx context.Context, relation *db.Relation, batch db.Batch, number int) (time.Duration, error) {
	if batch.NumRows() == 0 {
		return 0, nil
	}
	start := time.Now()
	attempt := func() error {
		err := s.target.Append(ctx, relation, batch)
		if err == nil {
			return nil
		}
		s.metrics.ObserveFailure(relation.Table)
		if !s.isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var err error
	if s.cfg.MaxRetries > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.cfg.RetryDelay
		b.MaxElapsedTime = 0
		b.Reset()
		policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxRetries)), ctx)
		err = backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"table": relation.Table,
				"batch": number,
				"wait":  wait,
			}).Warnln("append failed, retrying")
		})
	} else {
		err = attempt()
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
	}
	took := time.Since(start)
	if err != nil {
		return took, &db.InsertError{Table: relation.Table, Batch: number, Rows: batch.NumRows(), Err: err}
	}
	s.metrics.ObserveBatch(relation.Table, batch.NumRows(), took)
	return took, nil
}

func (s *Service) isTransient(err error) bool {
	if c, ok := s.target.(transientClassifier); ok {
		return c.IsTransient(err)
	}
	return errors.Is(err, db.ErrConnectivity)
}

// ParquetBatches adapts a ParquetReader to a BatchReader.
func ParquetBatches(r *source.ParquetReader) BatchReader {
	return parquetBatches{r}
}

type parquetBatches struct {
	*source.ParquetReader
}

func (p parquetBatches) Next(ctx context.Context) (Batch, error) {
	b, err := p.ParquetReader.Next(ctx)
	if err != nil {
		return nil, err
	}
	return b, nil
}
