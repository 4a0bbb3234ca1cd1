package job

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "X402-Chain/internal/errors"
	sqlstore "X402-Chain/internal/storage/mysql"
)

const jobColumns = `id, kind, payload, metadata, status, attempts, max_retries, last_error, error_code, result, created_at, updated_at`

// MySQLStore 使用 operator_jobs 表记录任务状态，表结构由迁移脚本创建。
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

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	job.CreatedAt = now
	job.UpdatedAt = now

	metadata, err := marshalMetadata(job.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO operator_jobs (`+jobColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', NULL, ?, ?)`,
		job.ID, job.Kind, string(job.Payload), metadata, job.Status,
		job.Attempts, job.MaxRetries, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if sqlstore.IsDuplicateKey(err) {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM operator_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return job, nil
}

// Claim 以条件更新抢占任务，只有一个 worker 能成功。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE operator_jobs SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`,
		StatusRunning, time.Now().Unix(), id, StatusPending,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		switch job.Status {
		case StatusSucceeded:
			return job, ErrJobCompleted
		case StatusRunning:
			return job, ErrJobConflict
		default:
			return job, ErrJobExhausted
		}
	}
	return job, nil
}

// MarkSucceeded 将任务标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `UPDATE operator_jobs SET status = ?, result = ?, last_error = '', error_code = '', updated_at = ?
        WHERE id = ?`,
		StatusSucceeded, string(result), time.Now().Unix(), id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkFailed 记录失败；非终态失败回到 pending 等待重投。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, `UPDATE operator_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`,
		status, lastError, string(code), time.Now().Unix(), id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// List 返回符合条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	query := `SELECT ` + jobColumns + ` FROM operator_jobs`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM operator_jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job      Job
		payload  string
		metadata sql.NullString
		result   sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.Kind,
		&payload,
		&metadata,
		&job.Status,
		&job.Attempts,
		&job.MaxRetries,
		&job.LastError,
		&job.ErrorCode,
		&result,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	decoded, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	job.Metadata = decoded
	return &job, nil
}

func marshalMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if len(opts.Kinds) > 0 {
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", placeholders(len(opts.Kinds))))
		for _, kind := range opts.Kinds {
			args = append(args, kind)
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR payload LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ Store = (*MySQLStore)(nil)
