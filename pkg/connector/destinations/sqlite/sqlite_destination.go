// Package sqlite implements the relational destination. Rows are grouped by
// table; tables are created from the first mapping row and gain columns as
// new keys arrive. Each flush is one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/logger"
	"github.com/g1879/datarecorder/pkg/metrics"
	"github.com/g1879/datarecorder/pkg/models"
	"github.com/g1879/datarecorder/pkg/recerrors"
	stringpool "github.com/g1879/datarecorder/pkg/strings"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const driverName = "sqlite"

// SQLiteDestination writes rows into an embedded SQLite database
type SQLiteDestination struct {
	logger *zap.Logger
	// BusyTimeoutMS is how long SQLite itself waits on a lock before the
	// flush sees a lock error and retries.
	BusyTimeoutMS int
}

// NewSQLiteDestination creates a new SQLite destination
func NewSQLiteDestination() (core.Adapter, error) {
	return &SQLiteDestination{
		logger:        logger.Get().With(zap.String("component", "sqlite_destination")),
		BusyTimeoutMS: 1000,
	}, nil
}

// Format returns core.FormatDB
func (d *SQLiteDestination) Format() core.Format { return core.FormatDB }

// DSN returns the connection string used for path. The path is passed as an
// escaped file: URI so that '?', '#' and '%' in file names stay part of it.
func (d *SQLiteDestination) DSN(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	uriPath := filepath.ToSlash(path)
	if !strings.HasPrefix(uriPath, "/") {
		// C:/dir/file.db
		uriPath = "/" + uriPath
	}
	u := url.URL{
		Scheme:   "file",
		Path:     uriPath,
		RawQuery: "_txlock=immediate&_pragma=busy_timeout(" + stringpool.ValueToString(d.BusyTimeoutMS) + ")",
	}
	return u.String()
}

// Write inserts all rows in one transaction. Nothing is committed when any
// row fails.
func (d *SQLiteDestination) Write(ctx context.Context, dest core.Destination, batches []models.Batch) error {
	db, err := sql.Open(driverName, d.DSN(dest.Path))
	if err != nil {
		return recerrors.Wrap(err, recerrors.ErrorTypeFile, "failed to open database")
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQLError(err, "failed to begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	schema, err := loadSchema(ctx, tx)
	if err != nil {
		return err
	}

	w := &txWriter{tx: tx, schema: schema, stmts: make(map[string]*sql.Stmt), logger: d.logger}
	defer w.closeStatements()

	rows := 0
	for _, batch := range batches {
		table := batch.Table
		if table == "" {
			table = dest.Table
		}
		if table == "" {
			return recerrors.New(recerrors.ErrorTypeConfig, "no table specified for database rows")
		}
		for i, row := range batch.Rows {
			if err := w.insert(ctx, table, row); err != nil {
				var re *recerrors.Error
				if errors.As(err, &re) {
					re.WithDetail("table", table).WithDetail("row_index", i)
				}
				return err
			}
			rows++
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapSQLError(err, "failed to commit transaction")
	}

	d.logger.Debug("rows inserted", zap.String("path", dest.Path), zap.Int("rows", rows), zap.Int("tables", len(batches)))
	return nil
}

// tableSchema is the ordered column list of one table
type tableSchema struct {
	columns []string
	lookup  map[string]string
}

func newTableSchema(columns []string) *tableSchema {
	ts := &tableSchema{lookup: make(map[string]string, len(columns))}
	for _, c := range columns {
		ts.add(c)
	}
	return ts
}

func (ts *tableSchema) add(column string) {
	ts.columns = append(ts.columns, column)
	ts.lookup[strings.ToLower(column)] = column
}

func (ts *tableSchema) has(column string) bool {
	_, ok := ts.lookup[strings.ToLower(column)]
	return ok
}

// loadSchema reads every user table and its columns.
func loadSchema(ctx context.Context, tx *sql.Tx) (map[string]*tableSchema, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, wrapSQLError(err, "failed to list tables")
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, wrapSQLError(err, "failed to list tables")
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapSQLError(err, "failed to list tables")
	}

	schema := make(map[string]*tableSchema, len(names))
	for _, name := range names {
		columns, err := tableColumns(ctx, tx, name)
		if err != nil {
			return nil, err
		}
		schema[strings.ToLower(name)] = newTableSchema(columns)
	}
	return schema, nil
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, wrapSQLError(err, "failed to read table info")
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, wrapSQLError(err, "failed to read table info")
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

type txWriter struct {
	tx     *sql.Tx
	schema map[string]*tableSchema
	stmts  map[string]*sql.Stmt
	logger *zap.Logger
}

func (w *txWriter) insert(ctx context.Context, table string, row models.Row) error {
	ts, exists := w.schema[strings.ToLower(table)]
	if !exists {
		if !row.IsMapping() {
			return recerrors.New(recerrors.ErrorTypeData,
				"a new table must be created from a mapping row")
		}
		if err := w.createTable(ctx, table, row.Keys()); err != nil {
			return err
		}
		ts = w.schema[strings.ToLower(table)]
	}

	var columns []string
	if row.IsMapping() {
		columns = row.Keys()
		for _, key := range columns {
			if ts.has(key) {
				continue
			}
			if err := w.addColumn(ctx, table, ts, key); err != nil {
				return err
			}
		}
	} else {
		if row.Len() > len(ts.columns) {
			return recerrors.Newf(recerrors.ErrorTypeSchemaWidth,
				"row has %d values but table %s has %d columns", row.Len(), table, len(ts.columns))
		}
		columns = ts.columns[:row.Len()]
	}
	if len(columns) == 0 {
		return w.exec(ctx, "INSERT INTO "+quoteIdent(table)+" DEFAULT VALUES")
	}

	stmt, err := w.prepare(ctx, table, columns)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, row.Values()...); err != nil {
		return wrapSQLError(err, "failed to insert row")
	}
	return nil
}

func (w *txWriter) createTable(ctx context.Context, table string, columns []string) error {
	if len(columns) == 0 {
		return recerrors.New(recerrors.ErrorTypeData, "cannot create a table without columns")
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	query := "CREATE TABLE " + quoteIdent(table) + " (" + strings.Join(quoted, ", ") + ")"
	if err := w.exec(ctx, query); err != nil {
		return err
	}
	w.schema[strings.ToLower(table)] = newTableSchema(columns)
	w.logger.Info("table created", zap.String("table", table), zap.Strings("columns", columns))
	return nil
}

func (w *txWriter) addColumn(ctx context.Context, table string, ts *tableSchema, column string) error {
	if err := w.exec(ctx, "ALTER TABLE "+quoteIdent(table)+" ADD COLUMN "+quoteIdent(column)); err != nil {
		return err
	}
	ts.add(column)
	metrics.SchemaColumnsAdded.WithLabelValues(table).Inc()
	w.logger.Info("column added", zap.String("table", table), zap.String("column", column))
	return nil
}

func (w *txWriter) prepare(ctx context.Context, table string, columns []string) (*sql.Stmt, error) {
	builder := stringpool.GetBuilder(stringpool.Small)
	defer stringpool.PutBuilder(builder, stringpool.Small)

	_, _ = builder.WriteString("INSERT INTO ")
	_, _ = builder.WriteString(quoteIdent(table))
	_, _ = builder.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			_, _ = builder.WriteString(", ")
		}
		_, _ = builder.WriteString(quoteIdent(c))
	}
	_, _ = builder.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			_ = builder.WriteByte(',')
		}
		_ = builder.WriteByte('?')
	}
	_ = builder.WriteByte(')')
	query := stringpool.Clone(builder.String())

	if stmt, ok := w.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := w.tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, wrapSQLError(err, "failed to prepare insert")
	}
	w.stmts[query] = stmt
	return stmt, nil
}

func (w *txWriter) exec(ctx context.Context, query string) error {
	if _, err := w.tx.ExecContext(ctx, query); err != nil {
		return wrapSQLError(err, "failed to execute statement").WithDetail("query", query)
	}
	return nil
}

func (w *txWriter) closeStatements() {
	for _, stmt := range w.stmts {
		_ = stmt.Close()
	}
}

// quoteIdent quotes an SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// wrapSQLError maps SQLITE_BUSY and SQLITE_LOCKED to lock errors so the
// flush retries; everything else is a query error.
func wrapSQLError(err error, message string) *recerrors.Error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return recerrors.Wrap(err, recerrors.ErrorTypeLock, message)
		}
	}
	return recerrors.Wrap(err, recerrors.ErrorTypeQuery, message)
}
