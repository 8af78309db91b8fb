//go:build sqlite_cgo

package storage

// Compiled with CGO and the sqlite_cgo tag:
//
//	CGO_ENABLED=1 go build -tags "sqlite_cgo,fts5" ./...
//
// Registers inner_product as a deterministic SQL function on every connection so
// vector ranking runs inside SQLite.
//
// Driver used: github.com/mattn/go-sqlite3

import (
	"database/sql"

	sqlite3 "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3_codeatlas"

	// VectorFunctionAvailable indicates inner_product is callable from SQL
	VectorFunctionAvailable = true

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("inner_product", innerProductBlob, true)
		},
	})
}
