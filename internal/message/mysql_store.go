package message

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
)

// MySQLStore 使用 MySQL 记录消息状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS handler_messages (
        id VARCHAR(64) PRIMARY KEY,
        chain VARCHAR(64) DEFAULT '',
        asset VARCHAR(42) NOT NULL,
        amount VARCHAR(80) NOT NULL DEFAULT '0',
        sender VARCHAR(42) NOT NULL,
        payload MEDIUMTEXT NOT NULL,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        receipt_guarded TINYINT(1) NOT NULL DEFAULT 0,
        receipt_call_count INT NOT NULL DEFAULT 0,
        receipt_batch_failed TINYINT(1) NOT NULL DEFAULT 0,
        receipt_failure_code VARCHAR(64) DEFAULT '',
        receipt_fallback VARCHAR(42) DEFAULT '',
        receipt_drained_amount VARCHAR(80) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_message_status (status),
        INDEX idx_message_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 handler_messages 表失败")
	}
	return nil
}

// Create 插入新的消息记录。
func (s *MySQLStore) Create(ctx context.Context, msg *Message) error {
	if msg == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "message 不能为空")
	}
	if strings.TrimSpace(msg.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 不能为空")
	}

	now := time.Now().Unix()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	const stmt = `INSERT INTO handler_messages
        (id, chain, asset, amount, sender, payload, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		msg.ID,
		msg.Chain,
		msg.Asset,
		msg.Amount,
		msg.Sender,
		msg.Payload,
		msg.Status,
		msg.Attempts,
		msg.MaxRetries,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrMessageConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入消息失败")
	}
	return nil
}

// Get 查询指定消息。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Message, error) {
	const stmt = `SELECT id, chain, asset, amount, sender, payload, status, attempts, max_retries, last_error, error_code,
        receipt_guarded, receipt_call_count, receipt_batch_failed, receipt_failure_code, receipt_fallback, receipt_drained_amount,
        created_at, updated_at
        FROM handler_messages WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)

	var msg Message
	var receipt Receipt
	var lastError sql.NullString

	if err := row.Scan(
		&msg.ID,
		&msg.Chain,
		&msg.Asset,
		&msg.Amount,
		&msg.Sender,
		&msg.Payload,
		&msg.Status,
		&msg.Attempts,
		&msg.MaxRetries,
		&lastError,
		&msg.ErrorCode,
		&receipt.Guarded,
		&receipt.CallCount,
		&receipt.BatchFailed,
		&receipt.FailureCode,
		&receipt.Fallback,
		&receipt.DrainedAmount,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息失败")
	}
	msg.LastError = lastError.String
	if receiptHasContent(&receipt) {
		msg.Receipt = &receipt
	}
	return &msg, nil
}

// Claim 将消息标记为执行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Message, error) {
	const updateStmt = `UPDATE handler_messages SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusExecuting,
		now,
		id,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新消息状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		msg, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch msg.Status {
		case StatusDelivered:
			return msg, ErrMessageDelivered
		case StatusExecuting:
			return msg, ErrMessageConflict
		default:
			if msg.Attempts >= msg.MaxRetries {
				return msg, ErrMessageExhausted
			}
			return msg, ErrMessageConflict
		}
	}
	return s.Get(ctx, id)
}

// MarkDelivered 记录执行回执并标记消息完成。
func (s *MySQLStore) MarkDelivered(ctx context.Context, id string, receipt Receipt) error {
	const stmt = `UPDATE handler_messages SET status = ?, updated_at = ?, last_error = '', error_code = '',
        receipt_guarded = ?, receipt_call_count = ?, receipt_batch_failed = ?, receipt_failure_code = ?,
        receipt_fallback = ?, receipt_drained_amount = ?
        WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusDelivered,
		time.Now().Unix(),
		receipt.Guarded,
		receipt.CallCount,
		receipt.BatchFailed,
		receipt.FailureCode,
		receipt.Fallback,
		receipt.DrainedAmount,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入消息回执失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MarkFailed 标记消息失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	const stmt = `UPDATE handler_messages SET status = ?, updated_at = ?, last_error = ?, error_code = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		time.Now().Unix(),
		lastError,
		string(code),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入消息失败状态出错")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// List 返回符合过滤条件的消息。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Message, error) {
	opts.applyDefaults()

	query := `SELECT id, chain, asset, amount, sender, payload, status, attempts, max_retries, last_error, error_code,
        receipt_guarded, receipt_call_count, receipt_batch_failed, receipt_failure_code, receipt_fallback, receipt_drained_amount,
        created_at, updated_at
        FROM handler_messages`
	where, args := buildWhereClause(opts)
	query += where
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息列表失败")
	}
	defer rows.Close()

	results := make([]*Message, 0, opts.Limit)
	for rows.Next() {
		var msg Message
		var receipt Receipt
		var lastError sql.NullString
		if err := rows.Scan(
			&msg.ID,
			&msg.Chain,
			&msg.Asset,
			&msg.Amount,
			&msg.Sender,
			&msg.Payload,
			&msg.Status,
			&msg.Attempts,
			&msg.MaxRetries,
			&lastError,
			&msg.ErrorCode,
			&receipt.Guarded,
			&receipt.CallCount,
			&receipt.BatchFailed,
			&receipt.FailureCode,
			&receipt.Fallback,
			&receipt.DrainedAmount,
			&msg.CreatedAt,
			&msg.UpdatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描消息行失败")
		}
		msg.LastError = lastError.String
		if receiptHasContent(&receipt) {
			msg.Receipt = &receipt
		}
		results = append(results, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历消息行失败")
	}
	return results, nil
}

// Stats 统计符合过滤条件的消息数量与更新时间范围。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (MessageStats, error) {
	opts.applyDefaults()

	query := `SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM handler_messages`
	where, args := buildWhereClause(opts)
	query += where + " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return MessageStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计消息失败")
	}
	defer rows.Close()

	var stats MessageStats
	for rows.Next() {
		var status Status
		var count int
		var oldest, newest sql.NullInt64
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return MessageStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描统计行失败")
		}
		stats.Total += count
		switch status {
		case StatusPending:
			stats.Pending += count
		case StatusExecuting:
			stats.Executing += count
		case StatusDelivered:
			stats.Delivered += count
		case StatusFailed:
			stats.Failed += count
		}
		if oldest.Valid && (stats.OldestUpdatedAt == 0 || oldest.Int64 < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = oldest.Int64
		}
		if newest.Valid && newest.Int64 > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest.Int64
		}
	}
	if err := rows.Err(); err != nil {
		return MessageStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计行失败")
	}
	return stats, nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildWhereClause(opts ListOptions) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasReceipt != nil {
		if *opts.HasReceipt {
			clauses = append(clauses, "(receipt_call_count > 0 OR receipt_guarded = 1 OR receipt_batch_failed = 1 OR receipt_failure_code <> '' OR receipt_fallback <> '' OR receipt_drained_amount <> '')")
		} else {
			clauses = append(clauses, "receipt_call_count = 0 AND receipt_guarded = 0 AND receipt_batch_failed = 0 AND receipt_failure_code = '' AND receipt_fallback = '' AND receipt_drained_amount = ''")
		}
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
