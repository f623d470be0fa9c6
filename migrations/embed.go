// Package migrations ships the versioned schema files inside the server
// binary so "migrate up" needs no files next to it.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
