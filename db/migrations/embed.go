// Package migrations embeds the SQL migrations for the webhook event store.
package migrations

import "embed"

// FS holds the numbered golang-migrate SQL files.
//
//go:embed *.sql
var FS embed.FS
