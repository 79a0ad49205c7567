// Package db opens the metrics database. Local deployments use a plain
// SQLite file; the libSQL driver keeps remote (Turso) URLs working with the
// same code path.
package db

import (
	"database/sql"
	"errors"
	"fmt"

	// Registers the "libsql" driver, which handles remote URLs
	// (libsql://, https://, wss://) and delegates file: URLs below.
	_ "github.com/tursodatabase/libsql-client-go/libsql"

	// Pure-Go SQLite for local file: URLs, no cgo.
	_ "modernc.org/sqlite"
)

// driverName is a var so tests can exercise the unregistered-driver path.
var driverName = "libsql"

// Connect opens the database at dbURL and verifies the connection with a
// ping. Accepted URL forms:
//
//	file:fireside.db                               local SQLite file
//	libsql://<name>.turso.io?authToken=<token>     remote Turso replica
func Connect(dbURL string) (*sql.DB, error) {
	if dbURL == "" {
		return nil, errors.New("db: url must not be empty")
	}

	conn, err := sql.Open(driverName, dbURL)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", dbURL, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: ping %s: %w", dbURL, err)
	}
	return conn, nil
}
