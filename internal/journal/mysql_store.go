package journal

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
)

// MySQLStore 使用 MySQL 持久化执行日志。
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

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
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
	const schema = `CREATE TABLE IF NOT EXISTS handler_journal (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        kind VARCHAR(32) NOT NULL,
        asset VARCHAR(42) DEFAULT '',
        destination VARCHAR(42) DEFAULT '',
        amount VARCHAR(80) DEFAULT '',
        call_count INT NOT NULL DEFAULT 0,
        fallback VARCHAR(42) DEFAULT '',
        reason TEXT,
        error_code VARCHAR(64) DEFAULT '',
        occurred_at DATETIME(6) NOT NULL,
        INDEX idx_journal_kind (kind),
        INDEX idx_journal_occurred (occurred_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 handler_journal 表失败")
	}
	return nil
}

// Append 追加一条记录。
func (s *MySQLStore) Append(ctx context.Context, entry Entry) error {
	const insert = `INSERT INTO handler_journal
        (kind, asset, destination, amount, call_count, fallback, reason, error_code, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	occurredAt := entry.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, insert,
		entry.Kind, entry.Asset, entry.Destination, entry.Amount,
		entry.CallCount, entry.Fallback, entry.Reason, entry.ErrorCode,
		occurredAt.UTC())
	if err != nil {
		return xerrors.Wrap(CodeJournalAppend, err, "写入执行日志失败")
	}
	return nil
}

// List 按时间倒序返回符合条件的记录。
func (s *MySQLStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, kind, asset, destination, amount, call_count, fallback, reason, error_code, occurred_at
        FROM handler_journal`
	args := make([]any, 0, 2)
	if filter.Kind != "" {
		query += " WHERE kind = ?"
		args = append(args, filter.Kind)
	}
	query += " ORDER BY occurred_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(CodeJournalQuery, err, "查询执行日志失败")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var reason sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.Asset, &entry.Destination,
			&entry.Amount, &entry.CallCount, &entry.Fallback, &reason,
			&entry.ErrorCode, &entry.OccurredAt); err != nil {
			return nil, xerrors.Wrap(CodeJournalQuery, err, "扫描执行日志失败")
		}
		entry.Reason = reason.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(CodeJournalQuery, err, "遍历执行日志失败")
	}
	return entries, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
