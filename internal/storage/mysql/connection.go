package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	xerrors "X402-Chain/internal/errors"
)

// Config 描述 MySQL 连接池参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	SkipMigrations  bool
}

// MySQL 错误号。
const (
	errDuplicateKey     = 1062
	errLockWaitTimeout  = 1205
	errDeadlock         = 1213
	maxTxAttempts       = 3
	txRetryBaseInterval = 20 * time.Millisecond
)

// Open 建立连接池、探活并执行嵌入的迁移脚本。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.SkipMigrations {
		return db, nil
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NormalizeDSN 解析 DSN 并固定存储层依赖的连接参数：时间列以 BIGINT 存储，
// 不需要 parseTime；禁止多语句以免迁移之外的拼接 SQL 被执行。
func NormalizeDSN(dsn string) (string, error) {
	if strings.TrimSpace(dsn) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	parsed, err := driver.ParseDSN(dsn)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "MySQL DSN 格式错误")
	}
	parsed.ParseTime = false
	parsed.MultiStatements = false
	if parsed.Timeout == 0 {
		parsed.Timeout = 5 * time.Second
	}
	return parsed.FormatDSN(), nil
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn, err := NormalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(positiveOr(cfg.MaxOpenConns, 20))
	db.SetMaxIdleConns(positiveOr(cfg.MaxIdleConns, 10))
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return db, nil
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

// IsDuplicateKey 判断错误是否为唯一键冲突。
func IsDuplicateKey(err error) bool {
	return mysqlErrorNumber(err) == errDuplicateKey
}

// IsTransient 判断错误是否为死锁或锁等待超时，整个事务可以重放。
func IsTransient(err error) bool {
	switch mysqlErrorNumber(err) {
	case errDeadlock, errLockWaitTimeout:
		return true
	}
	return false
}

func mysqlErrorNumber(err error) uint16 {
	var mysqlErr *driver.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number
	}
	return 0
}

// InTx 在事务中执行 fn，fn 返回错误或 panic 时回滚。
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	return runTx(ctx, db, fn)
}

// RetryTx 与 InTx 相同，但遇到死锁或锁等待超时时整体重放，最多
// maxTxAttempts 次。fn 只能通过 tx 产生副作用，资产划转等外部动作不得使用。
func RetryTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = runTx(ctx, db, fn)
		if err == nil || !IsTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * txRetryBaseInterval):
		}
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "事务因锁冲突多次失败")
}

func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}
