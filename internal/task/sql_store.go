package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/acgodson/autonomify-sub000/deploy/migrations"
	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
)

// SQL 存储支持的驱动。
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

const taskColumns = `id, agent_id, call_json, status, attempts, resubmitted_from, last_error, error_code, result_json, created_at, updated_at`

// SQLStore 使用 MySQL 或 SQLite 记录任务状态。
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// NewSQLStore 按驱动打开数据库并初始化表结构。
func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务存储 DSN 不能为空")
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverMySQL:
		db, err = sql.Open(DriverMySQL, dsn)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(10 * time.Minute)
	case DriverSQLite:
		if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 SQLite 目录失败")
			}
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
		db, err = sql.Open(DriverSQLite, dsn)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的任务存储驱动: %s", driver))
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到任务数据库")
	}

	store := &SQLStore{db: db, driver: driver, now: time.Now}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	statements, err := migrations.Statements(s.driver)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载迁移脚本失败")
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 autonomify_tasks 表失败")
		}
	}
	return nil
}

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	task.UpdatedAt = now

	callJSON, err := json.Marshal(task.Call)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务调用失败")
	}
	resultJSON, err := marshalResult(task.Result)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO autonomify_tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.AgentID,
		string(callJSON),
		string(task.Status),
		task.Attempts,
		task.ResubmittedFrom,
		task.LastError,
		task.ErrorCode,
		resultJSON,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM autonomify_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将 pending 任务标记为运行中并返回最新状态。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE autonomify_tasks SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusRunning), s.now().Unix(), id, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}

	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		if task.Status.Terminal() {
			return task, ErrTaskCompleted
		}
		return task, ErrTaskConflict
	}
	return task, nil
}

// Complete 写入调用结果。
func (s *SQLStore) Complete(ctx context.Context, id string, result dispatch.ExecuteResult) error {
	resultJSON, err := marshalResult(&result)
	if err != nil {
		return err
	}
	status, code, message := outcome(result)
	const stmt = `UPDATE autonomify_tasks SET status = ?, error_code = ?, last_error = ?, result_json = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(status), code, message, resultJSON, s.now().Unix(), id, string(StatusRunning))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录任务结果失败")
	}
	return s.expectOneRow(ctx, res, id)
}

// MarkFailed 标记任务失败。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE autonomify_tasks SET status = ?, error_code = ?, last_error = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusFailed), string(code), lastError, s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败状态出错")
	}
	return s.expectOneRow(ctx, res, id)
}

func (s *SQLStore) expectOneRow(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrTaskConflict
}

// List 返回符合条件的任务。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	where, args := whereClause(opts)

	order := "DESC"
	if opts.Order == SortByUpdatedAsc {
		order = "ASC"
	}
	query := fmt.Sprintf(`SELECT %s FROM autonomify_tasks%s ORDER BY updated_at %s, created_at %s, id ASC LIMIT ? OFFSET ?`,
		taskColumns, where, order, order)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务列表失败")
	}
	return tasks, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	where, args := whereClause(opts)
	query := `SELECT status, updated_at FROM autonomify_tasks` + where

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务失败")
	}
	defer rows.Close()

	stats := TaskStats{}
	for rows.Next() {
		var status string
		var updatedAt int64
		if err := rows.Scan(&status, &updatedAt); err != nil {
			return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
		stats.add(Status(status), updatedAt)
	}
	if err := rows.Err(); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}
	return stats, nil
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func whereClause(opts ListOptions) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task       Task
		status     string
		callJSON   string
		lastError  sql.NullString
		resultJSON sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&task.AgentID,
		&callJSON,
		&status,
		&task.Attempts,
		&task.ResubmittedFrom,
		&lastError,
		&task.ErrorCode,
		&resultJSON,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.LastError = lastError.String
	if err := json.Unmarshal([]byte(callJSON), &task.Call); err != nil {
		return nil, fmt.Errorf("解析任务调用失败: %w", err)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var result dispatch.ExecuteResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("解析任务结果失败: %w", err)
		}
		task.Result = &result
	}
	return &task, nil
}

func marshalResult(result *dispatch.ExecuteResult) (sql.NullString, error) {
	if result == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务结果失败")
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLStore)(nil)
