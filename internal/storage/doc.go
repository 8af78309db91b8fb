// Package storage provides SQLite-based persistence for analyses and the code
// data they index.
//
// The storage layer manages:
//   - Projects and their repository scan rollups
//   - File metadata and content hashes
//   - Code chunks and their vector embeddings
//   - Analyses with their logs, interactions and artifacts
//   - Orchestrator checkpoints keyed by run id
//
// # Database Schema
//
// Tables:
//   - projects, repositories: root paths and scan rollups
//   - files, chunks, embeddings: extracted code and vectors
//   - chunks_fts: FTS5 index over chunk names, docstrings and content
//   - analyses, analysis_logs, analysis_interactions, analysis_artifacts
//   - checkpoints: serialized orchestrator state
//
// Timestamps are stored as unix milliseconds.
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage("codeatlas.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	project, err := db.GetOrCreateProject(ctx, "/src/shop", "")
//
// # Transactions
//
// Each mutation is meant to be short. WithTx wraps a unit of work:
//
//	err := db.WithTx(ctx, func(tx storage.Tx) error {
//	    if err := tx.UpsertFile(ctx, file); err != nil {
//	        return err
//	    }
//	    return tx.InsertChunk(ctx, chunk)
//	})
//
// UpdateAnalysis performs a read-modify-write of one analysis row inside its own
// transaction, so concurrent writers never interleave partial updates.
//
// The database runs with a single open connection. Code holding a Tx must not
// call back into the non-transactional Storage until the Tx ends.
//
// # Vector Search
//
// Vectors are stored as little-endian float32 blobs and ranked by inner
// product. With the sqlite_cgo build tag the ranking runs inside SQLite through
// a registered inner_product function; other builds rank in Go.
//
// # Build Modes
//
//	go build ./...                              # modernc.org/sqlite, pure Go
//	go build -tags ncruces ./...                # ncruces/go-sqlite3, WebAssembly
//	CGO_ENABLED=1 go build -tags "sqlite_cgo,fts5" ./...  # mattn/go-sqlite3
package storage
