// Package migrations holds the SQL schema of the apilink database.
//
// Files are named YYYYMMDD_HHMMSS_name.up.sql with an optional matching
// .down.sql. New columns must be nullable or carry a default so rows
// written by older versions stay readable.
package migrations

import "embed"

// FS contains every migration file at its root.
//
//go:embed *.sql
var FS embed.FS
