package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/models"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapping(pairs ...interface{}) models.Row {
	fields := make([]models.Field, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		fields = append(fields, models.Field{Name: pairs[i].(string), Value: pairs[i+1]})
	}
	return models.NewMapping(fields...)
}

func openDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open(driverName, path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func columnsOf(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("PRAGMA table_info(" + quoteIdent(table) + ")")
	require.NoError(t, err)
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		require.NoError(t, rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk))
		cols = append(cols, name)
	}
	require.NoError(t, rows.Err())
	return cols
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&n))
	return n
}

func newDestination(t *testing.T) *SQLiteDestination {
	t.Helper()
	adapter, err := NewSQLiteDestination()
	require.NoError(t, err)
	return adapter.(*SQLiteDestination)
}

func TestSQLiteDestination_DSNEscapesPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("'?' is not allowed in Windows file names")
	}
	d := newDestination(t)
	dsn := d.DSN("/data/odd?name#1 %.db")
	assert.Equal(t, "file:///data/odd%3Fname%231%20%25.db?_txlock=immediate&_pragma=busy_timeout(1000)", dsn)

	path := filepath.Join(t.TempDir(), "odd?name#1.db")
	dest := core.Destination{Path: path, Format: core.FormatDB, Table: "t"}
	require.NoError(t, d.Write(context.Background(), dest, []models.Batch{{Table: "t", Rows: []models.Row{mapping("a", 1)}}}))

	_, err := os.Stat(path)
	require.NoError(t, err, "the database is created under its exact name")
	assert.Equal(t, 1, countRows(t, openDB(t, d.DSN(path)), "t"))
}

func TestSQLiteDestination_CreatesAndWidensTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	dest := core.Destination{Path: path, Format: core.FormatDB, Table: "t"}
	adapter := newDestination(t)

	batches := []models.Batch{{Table: "t", Rows: []models.Row{
		mapping("a", 1),
		mapping("a", 2, "b", "x"),
	}}}
	require.NoError(t, adapter.Write(context.Background(), dest, batches))

	db := openDB(t, path)
	assert.Equal(t, []string{"a", "b"}, columnsOf(t, db, "t"))

	rows, err := db.Query(`SELECT "a", "b" FROM "t" ORDER BY rowid`)
	require.NoError(t, err)
	defer rows.Close()

	type rec struct {
		a int64
		b sql.NullString
	}
	var got []rec
	for rows.Next() {
		var r rec
		require.NoError(t, rows.Scan(&r.a, &r.b))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].a)
	assert.False(t, got[0].b.Valid)
	assert.Equal(t, int64(2), got[1].a)
	assert.Equal(t, "x", got[1].b.String)
}

func TestSQLiteDestination_SequenceRowsFillLeadingColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	dest := core.Destination{Path: path, Table: "t"}
	adapter := newDestination(t)

	require.NoError(t, adapter.Write(context.Background(), dest, []models.Batch{{Rows: []models.Row{
		mapping("a", 1, "b", 2, "c", 3),
		models.NewSequence(10, 20),
	}}}))

	db := openDB(t, path)
	var a, b int64
	var c sql.NullInt64
	require.NoError(t, db.QueryRow(`SELECT a, b, c FROM t WHERE a = 10`).Scan(&a, &b, &c))
	assert.Equal(t, int64(20), b)
	assert.False(t, c.Valid)
}

func TestSQLiteDestination_WidthErrorRollsBackFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	dest := core.Destination{Path: path, Table: "t"}
	adapter := newDestination(t)

	require.NoError(t, adapter.Write(context.Background(), dest, []models.Batch{{Rows: []models.Row{
		mapping("a", 1, "b", 2),
	}}}))

	err := adapter.Write(context.Background(), dest, []models.Batch{{Rows: []models.Row{
		mapping("a", 3, "b", 4),
		models.NewSequence(1, 2, 3),
	}}})
	require.Error(t, err)
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeSchemaWidth))

	db := openDB(t, path)
	assert.Equal(t, 1, countRows(t, db, "t"))
}

func TestSQLiteDestination_NewTableNeedsMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	adapter := newDestination(t)

	err := adapter.Write(context.Background(), core.Destination{Path: path, Table: "t"},
		[]models.Batch{{Rows: []models.Row{models.NewSequence(1, 2)}}})
	require.Error(t, err)
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeData))
}

func TestSQLiteDestination_MultipleTablesOneTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	adapter := newDestination(t)

	require.NoError(t, adapter.Write(context.Background(), core.Destination{Path: path, Table: "fallback"}, []models.Batch{
		{Table: "users", Rows: []models.Row{mapping("name", "ann"), mapping("name", "bo")}},
		{Table: "events", Rows: []models.Row{mapping("kind", "login", "at", "2024-01-01")}},
		{Rows: []models.Row{mapping("x", 1)}},
	}))

	db := openDB(t, path)
	assert.Equal(t, 2, countRows(t, db, "users"))
	assert.Equal(t, 1, countRows(t, db, "events"))
	assert.Equal(t, 1, countRows(t, db, "fallback"))
	assert.Equal(t, []string{"kind", "at"}, columnsOf(t, db, "events"))
}

func TestSQLiteDestination_MissingTable(t *testing.T) {
	adapter := newDestination(t)
	err := adapter.Write(context.Background(), core.Destination{Path: filepath.Join(t.TempDir(), "d.db")},
		[]models.Batch{{Rows: []models.Row{mapping("a", 1)}}})
	require.Error(t, err)
	assert.True(t, recerrors.IsType(err, recerrors.ErrorTypeConfig))
}

func TestSQLiteDestination_QuotedIdentifiers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	adapter := newDestination(t)

	require.NoError(t, adapter.Write(context.Background(), core.Destination{Path: path, Table: `odd "name"`},
		[]models.Batch{{Rows: []models.Row{mapping(`col "q"`, 1, "select", 2)}}}))

	db := openDB(t, path)
	assert.Equal(t, []string{`col "q"`, "select"}, columnsOf(t, db, `odd "name"`))
}

func TestSQLiteDestination_BusyDatabaseIsLockError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	adapter := newDestination(t)
	adapter.BusyTimeoutMS = 10
	dest := core.Destination{Path: path, Table: "t"}

	require.NoError(t, adapter.Write(context.Background(), dest,
		[]models.Batch{{Rows: []models.Row{mapping("a", 1)}}}))

	holder := openDB(t, path)
	conn, err := holder.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(context.Background(), "BEGIN IMMEDIATE")
	require.NoError(t, err)

	err = adapter.Write(context.Background(), dest, []models.Batch{{Rows: []models.Row{mapping("a", 2)}}})
	require.Error(t, err)
	assert.True(t, recerrors.IsRetryable(err))

	_, err = conn.ExecContext(context.Background(), "ROLLBACK")
	require.NoError(t, err)
	require.NoError(t, adapter.Write(context.Background(), dest,
		[]models.Batch{{Rows: []models.Row{mapping("a", 2)}}}))
	assert.Equal(t, 2, countRows(t, holder, "t"))
}
