package configstore

import (
	"embed"
)

// migrationFiles embeds the SQL migration set, the modern go:embed + iofs
// successor to the teacher's legacy go_bindata-generated asset package
// (pkg/database/migrations), which required a separate code-generation
// step this repo no longer needs.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS
