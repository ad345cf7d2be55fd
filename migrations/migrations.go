// Package migrations embeds the Postgres schema applied by db.Migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
