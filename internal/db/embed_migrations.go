package db

import "embed"

// MigrationFS embeds the SQL migrations creating the collection tables and their unique indexes.
// Used by the migrate runner (cmd/migrate and identityctl).
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
