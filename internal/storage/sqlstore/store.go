package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"gravity-claw/deploy/migrations"
)

// Config 描述 SQL 存储的连接参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// ScanLimit 限制语义检索时在 Go 侧计算相似度的行数。
	ScanLimit int
}

// Store 同时实现对话记忆、文档记忆与知识图谱的 SQL 存储。
type Store struct {
	db        *sql.DB
	dialect   migrations.Dialect
	scanLimit int
	now       func() time.Time
}

// Open 连接数据库并执行迁移。Driver 取值 mysql 或 sqlite。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dialect, driverName, err := resolveDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(ctx, driverName, cfg)
	if err != nil {
		return nil, err
	}
	if err := migrations.Apply(ctx, db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return New(db, dialect, cfg.ScanLimit), nil
}

// New 基于已有连接创建存储，不执行迁移。
func New(db *sql.DB, dialect migrations.Dialect, scanLimit int) *Store {
	if scanLimit <= 0 {
		scanLimit = 2000
	}
	return &Store{db: db, dialect: dialect, scanLimit: scanLimit, now: time.Now}
}

// DB 返回底层连接。
func (s *Store) DB() *sql.DB { return s.db }

// Close 关闭连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func resolveDriver(name string) (migrations.Dialect, string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql":
		return migrations.MySQL, "mysql", nil
	case "sqlite", "sqlite3":
		return migrations.SQLite, "sqlite", nil
	default:
		return "", "", fmt.Errorf("不支持的数据库驱动: %s", name)
	}
}

func openDatabase(ctx context.Context, driverName string, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%s DSN 不能为空", driverName)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", driverName, err)
	}

	switch {
	case driverName == "sqlite":
		// SQLite 只允许单个写连接，内存库在多连接下彼此不可见。
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else if driverName != "sqlite" {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 %s: %w", driverName, err)
	}
	return db, nil
}
