package utils

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const postgresImage = "postgres:16-alpine"

type Table struct {
	ColumnNames   []string
	ColumnDBTypes []string
	RowValues     [][]interface{}
}

// PostgresForTest returns a connection string for an empty database. POSTGRES_CONNECTION is used when
// set, otherwise a throwaway container is started. The returned func releases the database.
func PostgresForTest(ctx context.Context) (string, func(), error) {
	if conn := os.Getenv("POSTGRES_CONNECTION"); conn != "" {
		return conn, func() {}, nil
	}
	ctr, err := postgres.Run(ctx,
		postgresImage,
		postgres.WithUsername("root"),
		postgres.WithPassword("root"),
		postgres.WithDatabase("ny_taxi"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	terminate := func() {
		_ = ctr.Terminate(context.Background())
	}
	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return "", nil, fmt.Errorf("get connection string: %w", err)
	}
	return connStr, terminate, nil
}

// PgQueryReadAll runs sqlText and returns every row with values as decoded by pgx.
func PgQueryReadAll(ctx context.Context, conn *pgx.Conn, sqlText string, args ...interface{}) (*Table, error) {
	rows, err := conn.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &Table{
		ColumnNames:   make([]string, 0),
		ColumnDBTypes: make([]string, 0),
		RowValues:     make([][]interface{}, 0),
	}
	ci := conn.ConnInfo()
	for _, fd := range rows.FieldDescriptions() {
		out.ColumnNames = append(out.ColumnNames, string(fd.Name))
		typeName := ""
		if dt, ok := ci.DataTypeForOID(fd.DataTypeOID); ok {
			typeName = dt.Name
		}
		out.ColumnDBTypes = append(out.ColumnDBTypes, typeName)
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out.RowValues = append(out.RowValues, vals)
	}
	return out, rows.Err()
}

func QueryReadAll(ctx context.Context, conn *sql.DB, sqlText string, database string, schema string) (*Table, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if database != "" {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("use database %s", database)); err != nil {
			return nil, err
		}
	}

	if schema != "" {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("use schema %s", schema)); err != nil {
			return nil, err
		}
	}

	rows, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &Table{
		ColumnNames:   make([]string, 0),
		ColumnDBTypes: make([]string, 0),
		RowValues:     make([][]interface{}, 0),
	}

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	for _, t := range colTypes {
		out.ColumnNames = append(out.ColumnNames, t.Name())
		out.ColumnDBTypes = append(out.ColumnDBTypes, t.DatabaseTypeName())
	}

	for rows.Next() {
		rawResult := make([]sql.RawBytes, len(colTypes))
		dest := make([]interface{}, len(colTypes))
		for i := range rawResult {
			dest[i] = &rawResult[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		// values are compared as strings; snowflake returns every type as text
		result := make([]interface{}, len(colTypes))
		for i, raw := range rawResult {
			if raw == nil {
				result[i] = nil
			} else {
				result[i] = string(raw)
			}
		}
		out.RowValues = append(out.RowValues, result)
	}
	return out, rows.Err()
}
