//go:build !sqlite_vec || !cgo

package store

import (
	_ "modernc.org/sqlite"
)

// Pure-Go SQLite driver. The vector index falls back to a brute-force
// cosine scan when the sqlite-vec extension is absent.
const driverName = "sqlite"
