// Package migrations embeds the PostgreSQL schema and seed files so the
// migrate command works without a checkout.
package migrations

import "embed"

//go:embed sql/*.sql seeds/*.sql
var FS embed.FS
