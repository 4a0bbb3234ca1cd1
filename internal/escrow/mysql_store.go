package escrow

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "X402-Chain/internal/errors"
	sqlstore "X402-Chain/internal/storage/mysql"
)

// MySQLStore 使用 InnoDB 行锁复现链上交易的串行语义：余额与订单在事务内
// 以 SELECT ... FOR UPDATE 读取，订单 ID 由 escrow_sequences 行锁分配。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已迁移的连接池创建存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL 连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

// WithTx 实现 Store 接口。
func (s *MySQLStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return sqlstore.InTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(ctx, &mysqlTx{tx: tx})
	})
}

// Balance 实现 Reader 接口。
func (s *MySQLStore) Balance(ctx context.Context, owner, asset common.Address) (*big.Int, error) {
	return queryBalance(ctx, s.db, owner, asset, false)
}

// AgentAllowed 实现 Reader 接口。
func (s *MySQLStore) AgentAllowed(ctx context.Context, owner, agent common.Address) (bool, error) {
	return queryFlag(ctx, s.db, `SELECT allowed FROM escrow_agents WHERE owner = ? AND agent = ?`, owner.Hex(), agent.Hex())
}

// GlobalAgent 实现 Reader 接口。
func (s *MySQLStore) GlobalAgent(ctx context.Context, agent common.Address) (bool, error) {
	return queryFlag(ctx, s.db, `SELECT allowed FROM escrow_global_agents WHERE agent = ?`, agent.Hex())
}

// Order 实现 Reader 接口。
func (s *MySQLStore) Order(ctx context.Context, id uint64) (*Order, error) {
	return queryOrder(ctx, s.db, id, false)
}

// OrderCount 实现 Reader 接口。
func (s *MySQLStore) OrderCount(ctx context.Context) (uint64, error) {
	var count uint64
	err := s.db.QueryRowContext(ctx, `SELECT next_value FROM escrow_sequences WHERE name = 'orders'`).Scan(&count)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单数量失败")
	}
	return count, nil
}

// ListOrders 实现 Reader 接口。
func (s *MySQLStore) ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	filter.applyDefaults()

	query := `SELECT ` + orderColumns + ` FROM escrow_orders`
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if filter.Owner != (common.Address{}) {
		conditions = append(conditions, "owner = ?")
		args = append(args, filter.Owner.Hex())
	}
	if filter.Agent != (common.Address{}) {
		conditions = append(conditions, "agent = ?")
		args = append(args, filter.Agent.Hex())
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单列表失败")
	}
	defer rows.Close()

	orders := make([]*Order, 0, filter.Limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订单失败")
	}
	return orders, nil
}

// Close 关闭底层连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) Balance(ctx context.Context, owner, asset common.Address) (*big.Int, error) {
	return queryBalance(ctx, t.tx, owner, asset, true)
}

func (t *mysqlTx) SetBalance(ctx context.Context, owner, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	const stmt = `INSERT INTO escrow_balances (owner, token, amount, updated_at) VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE amount = VALUES(amount), updated_at = VALUES(updated_at)`
	if _, err := t.tx.ExecContext(ctx, stmt, owner.Hex(), asset.Hex(), amount.String(), time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入余额失败")
	}
	return nil
}

func (t *mysqlTx) AgentAllowed(ctx context.Context, owner, agent common.Address) (bool, error) {
	return queryFlag(ctx, t.tx, `SELECT allowed FROM escrow_agents WHERE owner = ? AND agent = ? FOR UPDATE`, owner.Hex(), agent.Hex())
}

func (t *mysqlTx) SetAgentAllowed(ctx context.Context, owner, agent common.Address, allowed bool) error {
	const stmt = `INSERT INTO escrow_agents (owner, agent, allowed, updated_at) VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE allowed = VALUES(allowed), updated_at = VALUES(updated_at)`
	if _, err := t.tx.ExecContext(ctx, stmt, owner.Hex(), agent.Hex(), allowed, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 agent 授权失败")
	}
	return nil
}

func (t *mysqlTx) GlobalAgent(ctx context.Context, agent common.Address) (bool, error) {
	return queryFlag(ctx, t.tx, `SELECT allowed FROM escrow_global_agents WHERE agent = ? FOR UPDATE`, agent.Hex())
}

func (t *mysqlTx) SetGlobalAgent(ctx context.Context, agent common.Address, allowed bool) error {
	const stmt = `INSERT INTO escrow_global_agents (agent, allowed, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE allowed = VALUES(allowed), updated_at = VALUES(updated_at)`
	if _, err := t.tx.ExecContext(ctx, stmt, agent.Hex(), allowed, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入全局 agent 失败")
	}
	return nil
}

func (t *mysqlTx) AppendOrder(ctx context.Context, order *Order) (uint64, error) {
	var next uint64
	err := t.tx.QueryRowContext(ctx, `SELECT next_value FROM escrow_sequences WHERE name = 'orders' FOR UPDATE`).Scan(&next)
	if err != nil {
		if !stdErrors.Is(err, sql.ErrNoRows) {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取订单序列失败")
		}
		if _, err := t.tx.ExecContext(ctx, `INSERT INTO escrow_sequences (name, next_value) VALUES ('orders', 0)`); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化订单序列失败")
		}
	}

	const stmt = `INSERT INTO escrow_orders
        (id, owner, agent, token_in, token_out, amount_in, min_amount_out, strategy_ref, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = t.tx.ExecContext(ctx, stmt,
		next,
		order.Owner.Hex(),
		order.Agent.Hex(),
		order.TokenIn.Hex(),
		order.TokenOut.Hex(),
		order.AmountIn.String(),
		order.MinAmountOut.String(),
		order.StrategyRef.Hex(),
		string(order.Status),
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		if sqlstore.IsDuplicateKey(err) {
			return 0, xerrors.Wrap(xerrors.CodeConflict, err, fmt.Sprintf("订单 %d 已存在", next))
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入订单失败")
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE escrow_sequences SET next_value = ? WHERE name = 'orders'`, next+1); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "推进订单序列失败")
	}
	return next, nil
}

func (t *mysqlTx) Order(ctx context.Context, id uint64) (*Order, error) {
	return queryOrder(ctx, t.tx, id, true)
}

func (t *mysqlTx) UpdateOrderStatus(ctx context.Context, id uint64, from, to OrderStatus, updatedAt int64) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE escrow_orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), updatedAt, id, string(from))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新订单状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, err := t.Order(ctx, id); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const orderColumns = `id, owner, agent, token_in, token_out, amount_in, min_amount_out, strategy_ref, status, created_at, updated_at`

func queryBalance(ctx context.Context, q queryer, owner, asset common.Address, lock bool) (*big.Int, error) {
	stmt := `SELECT amount FROM escrow_balances WHERE owner = ? AND token = ?`
	if lock {
		stmt += " FOR UPDATE"
	}
	var raw string
	if err := q.QueryRowContext(ctx, stmt, owner.Hex(), asset.Hex()).Scan(&raw); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询余额失败")
	}
	return parseAmount(raw)
}

func queryFlag(ctx context.Context, q queryer, stmt string, args ...any) (bool, error) {
	var allowed bool
	if err := q.QueryRowContext(ctx, stmt, args...).Scan(&allowed); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询授权失败")
	}
	return allowed, nil
}

func queryOrder(ctx context.Context, q queryer, id uint64, lock bool) (*Order, error) {
	stmt := `SELECT ` + orderColumns + ` FROM escrow_orders WHERE id = ?`
	if lock {
		stmt += " FOR UPDATE"
	}
	order, err := scanOrder(q.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

func scanOrder(row rowScanner) (*Order, error) {
	var order Order
	var owner, agent, tokenIn, tokenOut, ref string
	var amountIn, minAmountOut, status string
	if err := row.Scan(
		&order.ID,
		&owner,
		&agent,
		&tokenIn,
		&tokenOut,
		&amountIn,
		&minAmountOut,
		&ref,
		&status,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订单失败")
	}
	order.Owner = common.HexToAddress(owner)
	order.Agent = common.HexToAddress(agent)
	order.TokenIn = common.HexToAddress(tokenIn)
	order.TokenOut = common.HexToAddress(tokenOut)
	order.StrategyRef = common.HexToHash(ref)
	order.Status = OrderStatus(status)

	var err error
	if order.AmountIn, err = parseAmount(amountIn); err != nil {
		return nil, err
	}
	if order.MinAmountOut, err = parseAmount(minAmountOut); err != nil {
		return nil, err
	}
	return &order, nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("非法的金额 %q", raw))
	}
	return amount, nil
}

var _ Store = (*MySQLStore)(nil)
