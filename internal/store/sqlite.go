package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"swap-engine/internal/config"
)

// Store 持有 SQLite 连接池，订单仓库与事件日志共享同一实例，
// 各自通过 initSchema 管理自己的表。
type Store struct {
	db *sql.DB
}

// NewSQLite 打开（必要时创建）SQLite 数据库。
// 本系统的写入以并发的单行状态更新为主、读以运维查询为辅，
// WAL 模式让读不被写阻塞，busy_timeout 吸收写锁竞争。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 数据库失败: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("执行 %s 失败: %w", strings.TrimPrefix(pragma, "PRAGMA "), err)
		}
	}

	return &Store{db: conn}, nil
}

// buildDSN 组装连接串，文件模式下先保证数据目录存在。
func buildDSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.InMemory {
		return ":memory:?_busy_timeout=5000", nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("创建数据目录 %q 失败: %w", dir, err)
		}
	}

	return cfg.Path + "?_busy_timeout=5000&_foreign_keys=on", nil
}

// DB 返回底层 *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
