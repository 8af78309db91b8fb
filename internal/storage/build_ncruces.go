//go:build ncruces && !sqlite_cgo

package storage

// Compiled with the ncruces tag:
//
//	CGO_ENABLED=0 go build -tags "ncruces" ./...
//
// Runs SQLite compiled to WebAssembly. Vector ranking uses the Go fallback.
//
// Driver used: github.com/ncruces/go-sqlite3

import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3"

	// VectorFunctionAvailable indicates inner_product is callable from SQL
	VectorFunctionAvailable = false

	// BuildMode describes the current build configuration
	BuildMode = "wasm"
)
