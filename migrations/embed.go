// Package migrations carries the versioned schema files. They are embedded
// so the binary can migrate the on-device store without shipping loose SQL
// files alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
