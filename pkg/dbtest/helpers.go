package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	. "github.com/onsi/gomega"
)

// DB is used to help test interactions with a SQL destination. Each Setup creates a
// fresh SQLite database in a temporary directory, so tests can run without any external
// database and never see each other's rows.
//
// A file is used over an in-memory database because each connection of an in-memory
// database sees a separate database, and we need transactions to run alongside queries
// that verify their results.
type DB struct {
	db          *sql.DB
	dir         string
	createFuncs []func(context.Context, *sql.DB) (sql.Result, error)
	cleanFuncs  []func(context.Context, *sql.DB) (sql.Result, error)
}

func Configure(opts ...func(*DB)) *DB {
	dbtest := &DB{}
	for _, opt := range opts {
		opt(dbtest)
	}

	return dbtest
}

// Setup prepares a new database, returning a context that expires after timeout and a
// function that should be called once the test is complete.
func (d *DB) Setup(ctx context.Context, timeout time.Duration) (context.Context, func()) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	d.close()

	var err error
	d.dir, err = os.MkdirTemp("", "pgshift-dbtest-")
	Expect(err).NotTo(HaveOccurred(), "failed to create temporary directory")

	path := filepath.Join(d.dir, fmt.Sprintf("%s.db", uuid.New().String()))
	d.db, err = sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	Expect(err).NotTo(HaveOccurred(), "failed to open database")

	for _, clean := range d.cleanFuncs {
		_, err := clean(ctx, d.db)
		Expect(err).NotTo(HaveOccurred(), "failed to run cleanup before test start")
	}

	// Just before we begin testing, run all the creation functions
	for _, create := range d.createFuncs {
		_, err := create(ctx, d.db)
		Expect(err).NotTo(HaveOccurred(), "failed to run creation before test start")
	}

	return ctx, func() {
		cancel()
		d.close()
	}
}

func (d *DB) close() {
	if d.db != nil {
		Expect(d.db.Close()).To(Succeed(), "closing database should always succeed")
		d.db = nil
	}

	if d.dir != "" {
		Expect(os.RemoveAll(d.dir)).To(Succeed())
		d.dir = ""
	}
}

func (d *DB) MustExec(ctx context.Context, query string, args ...interface{}) {
	_, err := d.db.ExecContext(ctx, query, args...)
	Expect(err).NotTo(HaveOccurred())
}

// MustSelect scans the results of query into dest, using sqlx struct mapping
func (d *DB) MustSelect(ctx context.Context, dest interface{}, query string, args ...interface{}) {
	Expect(d.GetDBx().SelectContext(ctx, dest, query, args...)).To(Succeed())
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

// GetDBx wraps the database for sqlx, with the driver name our metadata and destination
// packages use to pick SQLite queries.
func (d *DB) GetDBx() *sqlx.DB {
	return sqlx.NewDb(d.db, "sqlite")
}

type Option func(*DB)

func (o Option) And(other func(*DB)) Option {
	return func(db *DB) {
		o(db)
		other(db)
	}
}

func WithLifecycle(createFunc, cleanFunc func(context.Context, *sql.DB) (sql.Result, error)) func(*DB) {
	return func(db *DB) {
		if createFunc != nil {
			db.createFuncs = append(db.createFuncs, createFunc)
		}
		if cleanFunc != nil {
			db.cleanFuncs = append(db.cleanFuncs, cleanFunc)
		}
	}
}

func WithTable(name string, fieldDefinitions ...string) func(*DB) {
	return WithLifecycle(
		func(ctx context.Context, db *sql.DB) (sql.Result, error) {
			return db.ExecContext(ctx, fmt.Sprintf("create table %s (%s);", name, strings.Join(fieldDefinitions, ", ")))
		},
		func(ctx context.Context, db *sql.DB) (sql.Result, error) {
			return db.ExecContext(ctx, fmt.Sprintf(`drop table if exists %s;`, name))
		},
	)
}

// WithRows inserts fixture rows once the tables exist
func WithRows(table string, columns []string, rows ...[]interface{}) func(*DB) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf("insert into %s (%s) values (%s);", table, strings.Join(columns, ", "), placeholders)

	return WithLifecycle(
		func(ctx context.Context, db *sql.DB) (sql.Result, error) {
			var result sql.Result
			for _, row := range rows {
				var err error
				if result, err = db.ExecContext(ctx, query, row...); err != nil {
					return nil, err
				}
			}

			return result, nil
		},
		nil,
	)
}
