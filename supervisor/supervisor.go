package supervisor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/log/logrusadapter"
	"github.com/samjbobb/tripload/config"
	"github.com/samjbobb/tripload/fetch"
	"github.com/samjbobb/tripload/ingest/db"
	"github.com/samjbobb/tripload/ingest/service"
	"github.com/samjbobb/tripload/ingest/source"
	"github.com/samjbobb/tripload/metrics"
	"github.com/samjbobb/tripload/target"
	"github.com/samjbobb/tripload/target/postgres"
	"github.com/samjbobb/tripload/target/snowflake"
	"github.com/sirupsen/logrus"
)

type State int

const (
	StateInit State = iota
	StateLoadingLookup
	StateInitializingTripsSchema
	StateLoadingTripsBatches
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateLoadingLookup:
		return "LoadingLookup"
	case StateInitializingTripsSchema:
		return "InitializingTripsSchema"
	case StateLoadingTripsBatches:
		return "LoadingTripsBatches"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// next lists the forward transitions; Failed is reachable from every state that is not terminal.
var next = map[State]State{
	StateInit:                    StateLoadingLookup,
	StateLoadingLookup:           StateInitializingTripsSchema,
	StateInitializingTripsSchema: StateLoadingTripsBatches,
	StateLoadingTripsBatches:     StateDone,
}

// Summary describes a finished run, successful or not.
type Summary struct {
	LookupRows  int
	TripBatches int
	TripRows    int64
	Elapsed     time.Duration
}

type Supervisor struct {
	state   State
	metrics *metrics.Metrics
}

func NewSupervisor() *Supervisor {
	return &Supervisor{state: StateInit, metrics: metrics.New()}
}

func (s *Supervisor) State() State {
	return s.state
}

func (s *Supervisor) transition(to State) error {
	from := s.state
	if from.Terminal() {
		return fmt.Errorf("invalid transition from terminal state %s to %s", from, to)
	}
	if to != StateFailed && next[from] != to {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	s.state = to
	logrus.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Infoln("state changed")
	return nil
}

// Run fetches both sources and loads them into the configured target: the lookup table first, then the
// trips file batch by batch. A Supervisor runs once.
func (s *Supervisor) Run(ctx context.Context, cfg *config.Config) (*Summary, error) {
	// handle interrupt signal
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	go func() {
		select {
		case <-c:
			logrus.Warnln("interrupted, cancelling load")
			cancel()
		case <-ctx.Done():
		}
	}()

	initLogger(cfg.Logger)

	start := time.Now()
	summary := &Summary{}
	err := s.run(ctx, cfg, summary)
	summary.Elapsed = time.Since(start)
	s.metrics.ObserveRun(summary.Elapsed)

	if err != nil {
		if terr := s.transition(StateFailed); terr != nil {
			logrus.WithError(terr).Errorln("state error")
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"lookupRows":  summary.LookupRows,
			"tripBatches": summary.TripBatches,
			"tripRows":    summary.TripRows,
		}).Errorln("load failed")
	} else {
		logrus.WithFields(logrus.Fields{
			"lookupRows":  summary.LookupRows,
			"tripBatches": summary.TripBatches,
			"tripRows":    summary.TripRows,
			"took":        summary.Elapsed.Round(time.Millisecond).Seconds(),
		}).Infoln("load complete")
	}

	if cfg.Metrics.Pushgateway != "" {
		// the run context may be cancelled already
		pushCtx, pushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer pushCancel()
		if perr := s.metrics.Push(pushCtx, cfg.Metrics.Pushgateway, cfg.Metrics.Job); perr != nil {
			logrus.WithError(perr).Warnln("could not push metrics")
		}
	}
	return summary, err
}

func (s *Supervisor) run(ctx context.Context, cfg *config.Config, summary *Summary) error {
	if s.state != StateInit {
		return fmt.Errorf("supervisor already ran, state is %s", s.state)
	}

	fetcher := fetch.NewFetcher(cfg.Fetch)
	zonesPath := fetch.Destination(cfg.Sources.DataDir, cfg.Sources.ZonesURL, "taxi+_zone_lookup.csv")
	if err := fetcher.Fetch(ctx, cfg.Sources.ZonesURL, zonesPath); err != nil {
		return fmt.Errorf("could not fetch zones: %w", err)
	}
	tripsPath := fetch.Destination(cfg.Sources.DataDir, cfg.Sources.TripsURL, "yellow_tripdata.parquet", zonesPath)
	if err := fetcher.Fetch(ctx, cfg.Sources.TripsURL, tripsPath); err != nil {
		return fmt.Errorf("could not fetch trips: %w", err)
	}

	tgt, err := initTarget(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := tgt.Close(context.Background()); err != nil {
			logrus.WithError(err).Warnln("error closing target")
		}
	}()
	logrus.Infoln("loading into", tgt)
	svc := service.NewService(cfg.Load, tgt, s.metrics)

	if err := s.transition(StateLoadingLookup); err != nil {
		return err
	}
	zones, err := source.ReadCSV(zonesPath)
	if err != nil {
		return fmt.Errorf("could not read zones: %w", err)
	}
	if summary.LookupRows, err = svc.LoadLookup(ctx, cfg.Sources.ZonesTable, zones); err != nil {
		return err
	}

	if err := s.transition(StateInitializingTripsSchema); err != nil {
		return err
	}
	reader, err := source.OpenParquet(ctx, tripsPath, cfg.Load.BatchSize)
	if err != nil {
		return fmt.Errorf("could not open trips: %w", err)
	}
	defer reader.Close()
	logrus.WithFields(logrus.Fields{"path": tripsPath, "rows": reader.NumRows()}).Infoln("opened trips file")
	batches := service.ParquetBatches(reader)
	relation, first, err := svc.InitializeSchema(ctx, cfg.Sources.TripsTable, batches)
	if err != nil {
		return err
	}

	if err := s.transition(StateLoadingTripsBatches); err != nil {
		if first != nil {
			first.Release()
		}
		return err
	}
	progress, err := svc.LoadBatches(ctx, relation, batches, first)
	summary.TripBatches, summary.TripRows = progress.Batches, progress.Rows
	if err != nil {
		return err
	}

	return s.transition(StateDone)
}

// initLogger sets up logrus from the config
func initLogger(cfg config.LoggerCfg) {
	if cfg.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		logrus.SetReportCaller(true)
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logrus.Warnln("invalid log level in config", cfg.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stdout)
}

func initTarget(ctx context.Context, cfg *config.Config) (target.TargetInterface, error) {
	switch cfg.Target.Driver {
	case config.DriverPostgres:
		conn, err := initPgxConnection(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return postgres.NewTarget(conn), nil
	case config.DriverSnowflake:
		sf, err := initSnowflakeConnection(cfg.Snowflake)
		if err != nil {
			return nil, err
		}
		t, err := snowflake.NewTarget(ctx, sf, cfg.Snowflake.Database, cfg.Snowflake.Schema)
		if err != nil {
			_ = sf.Close()
			return nil, fmt.Errorf("could not create snowflake target: %w", err)
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown target driver %q", cfg.Target.Driver)
}

// initPgxConnection opens the single connection used for the whole run.
func initPgxConnection(ctx context.Context, cfg config.PostgresCfg) (*pgx.Conn, error) {
	connConfig, err := pgx.ParseConfig(cfg.PostgresConnString())
	if err != nil {
		return nil, err
	}
	connConfig.Logger = logrusadapter.NewLogger(logrus.StandardLogger())
	connConfig.LogLevel = pgx.LogLevelWarn
	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres connection error: %w", db.ErrConnectivity, err)
	}
	return conn, nil
}

func initSnowflakeConnection(cfg config.SnowflakeCfg) (*sql.DB, error) {
	joinChar := "?"
	if strings.Contains(cfg.Connection, "?") {
		joinChar = "&"
	}
	connStr := fmt.Sprintf("%s%sclient_session_keep_alive=true", cfg.Connection, joinChar)
	sf, err := sql.Open("snowflake", connStr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to snowflake: %w", err)
	}
	// stage and copy statements of one batch must share a session
	sf.SetMaxOpenConns(1)
	return sf, nil
}
