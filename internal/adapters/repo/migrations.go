package repo

import "embed"

// Migrations содержит goose-миграции схемы журнала.
//
//go:embed migrations/*.sql
var Migrations embed.FS
