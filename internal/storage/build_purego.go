//go:build !sqlite_cgo && !ncruces

package storage

// Default build: pure Go SQLite, no C compiler required.
//
//	CGO_ENABLED=0 go build ./...
//
// Vector ranking uses the Go fallback.
//
// Driver used: modernc.org/sqlite

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite"

	// VectorFunctionAvailable indicates inner_product is callable from SQL
	VectorFunctionAvailable = false

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)
