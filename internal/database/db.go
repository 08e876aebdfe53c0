package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open はSQLiteデータベース接続を開く。
// pathはデータベースファイルのパスを指定する（例: "inviteman.db"）。
// 書き込みはSQLite側で直列化されるため、接続は1本に制限する。
// sql.Openは接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 複数コネクションでの書き込み競合（SQLITE_BUSY）を避ける
	db.SetMaxOpenConns(1)

	return db, nil
}
