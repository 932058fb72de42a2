// Package migrations embeds the SQL schema applied by `scheduling-server migrate up`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
