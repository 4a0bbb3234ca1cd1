package registry

import (
	"context"
	"database/sql"
	stdErrors "errors"

	"github.com/ethereum/go-ethereum/common"

	xerrors "X402-Chain/internal/errors"
	sqlstore "X402-Chain/internal/storage/mysql"
)

const recordColumns = `id, owner, content_pointer, pair_label, active, created_at, updated_at`

// MySQLStore 基于 strategy_records 表实现 Store。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQLStore。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL 连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

// Create 实现 Store 接口，依赖主键保证先到先得。
func (s *MySQLStore) Create(ctx context.Context, record *Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO strategy_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID.Hex(), record.Owner.Hex(), record.ContentPointer, record.PairLabel,
		record.Active, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		if sqlstore.IsDuplicateKey(err) {
			return ErrStrategyExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入策略记录失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, id common.Hash) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM strategy_records WHERE id = ?`, id.Hex())
	return scanRecord(row)
}

// Modify 实现 Store 接口，使用行锁串行化并发修改。
func (s *MySQLStore) Modify(ctx context.Context, id common.Hash, fn func(record *Record) error) (*Record, error) {
	var updated *Record
	err := sqlstore.RetryTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM strategy_records WHERE id = ? FOR UPDATE`, id.Hex())
		record, err := scanRecord(row)
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE strategy_records SET content_pointer = ?, active = ?, updated_at = ? WHERE id = ?`,
			record.ContentPointer, record.Active, record.UpdatedAt, id.Hex(),
		)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新策略记录失败")
		}
		updated = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListByOwner 实现 Store 接口。
func (s *MySQLStore) ListByOwner(ctx context.Context, owner common.Address) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM strategy_records WHERE owner = ? ORDER BY created_at ASC, id ASC`,
		owner.Hex(),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询策略列表失败")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历策略记录失败")
	}
	return records, nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		id, owner string
		record    Record
	)
	err := row.Scan(&id, &owner, &record.ContentPointer, &record.PairLabel, &record.Active, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrStrategyNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取策略记录失败")
	}
	record.ID = common.HexToHash(id)
	record.Owner = common.HexToAddress(owner)
	return &record, nil
}

var _ Store = (*MySQLStore)(nil)
