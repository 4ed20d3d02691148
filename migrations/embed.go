// Package migrations carries the numbered schema migrations compiled into the
// binary, so a fresh database can be initialized without shipping loose files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
