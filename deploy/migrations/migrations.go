package migrations

import "embed"

// Files 暴露账本库的 SQL 迁移文件，语句需同时兼容 MySQL 与 SQLite。
//
//go:embed *.sql
var Files embed.FS
