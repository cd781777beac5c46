// Package store 提供任务归档存储
// 终态任务落库保存，HEDGE_FAILED / 有平仓损失的任务
// 必须带完整上下文可查，供人工对账
package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/betbot/crossarb/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id                 TEXT PRIMARY KEY,
    entry_market_id    TEXT NOT NULL,
    hedge_market_id    TEXT NOT NULL,
    side               TEXT NOT NULL,
    task_type          TEXT NOT NULL,
    strategy           TEXT NOT NULL,
    status             TEXT NOT NULL,
    total_quantity     REAL NOT NULL,
    predict_filled_qty REAL NOT NULL,
    remaining_qty      REAL NOT NULL,
    hedged_qty         REAL NOT NULL,
    entry_price        REAL NOT NULL,
    hedge_price        REAL NOT NULL,
    pause_count        INTEGER NOT NULL DEFAULT 0,
    hedge_retry_count  INTEGER NOT NULL DEFAULT 0,
    unwind_loss        REAL NOT NULL DEFAULT 0,
    needs_manual       INTEGER NOT NULL DEFAULT 0,
    fail_reason        TEXT,
    error_details      TEXT,
    created_at         DATETIME NOT NULL,
    updated_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status  ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_manual  ON tasks(needs_manual);
CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at DESC);
`

// TaskStore SQLite 任务归档（纯 Go 驱动，无 CGo）
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore 打开（或创建）归档库并应用 schema
func NewTaskStore(path string) (*TaskStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "打开归档库失败: %s", path)
	}
	// SQLite 单写者
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "应用 schema 失败")
	}
	return &TaskStore{db: db}, nil
}

// Archive 归档一个任务（upsert，终态覆盖中间态）
func (s *TaskStore) Archive(ctx context.Context, t *domain.Task) error {
	needsManual := 0
	if t.NeedsManual {
		needsManual = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, entry_market_id, hedge_market_id, side, task_type, strategy, status,
			 total_quantity, predict_filled_qty, remaining_qty, hedged_qty,
			 entry_price, hedge_price, pause_count, hedge_retry_count,
			 unwind_loss, needs_manual, fail_reason, error_details, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status             = excluded.status,
			predict_filled_qty = excluded.predict_filled_qty,
			remaining_qty      = excluded.remaining_qty,
			hedged_qty         = excluded.hedged_qty,
			entry_price        = excluded.entry_price,
			hedge_price        = excluded.hedge_price,
			pause_count        = excluded.pause_count,
			hedge_retry_count  = excluded.hedge_retry_count,
			unwind_loss        = excluded.unwind_loss,
			needs_manual       = excluded.needs_manual,
			fail_reason        = excluded.fail_reason,
			error_details      = excluded.error_details,
			updated_at         = excluded.updated_at
	`,
		t.ID, t.Pair.EntryMarketID, t.Pair.HedgeMarketID, string(t.Side),
		string(t.Type), string(t.Strategy), string(t.Status),
		t.TotalQuantity, t.PredictFilledQty, t.RemainingQty, t.HedgedQty,
		t.EntryPrice.ToDecimal(), t.HedgePrice.ToDecimal(),
		t.PauseCount, t.HedgeRetryCount,
		t.UnwindLoss, needsManual, t.FailReason, t.ErrorDetails,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "归档任务失败: %s", t.ID)
	}
	return nil
}

// Get 按 ID 查询归档任务
func (s *TaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entry_market_id, hedge_market_id, side, task_type, strategy, status,
		       total_quantity, predict_filled_qty, remaining_qty, hedged_qty,
		       entry_price, hedge_price, pause_count, hedge_retry_count,
		       unwind_loss, needs_manual, fail_reason, error_details, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf("任务不存在: %s", id)
	}
	return t, err
}

// ListTasks 按状态列出最近的归档任务，status 为空表示不过滤
func (s *TaskStore) ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, entry_market_id, hedge_market_id, side, task_type, strategy, status,
		       total_quantity, predict_filled_qty, remaining_qty, hedged_qty,
		       entry_price, hedge_price, pause_count, hedge_retry_count,
		       unwind_loss, needs_manual, fail_reason, error_details, created_at, updated_at
		FROM tasks`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "查询归档任务失败")
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListNeedsManual 列出需要人工介入的任务（裸露持仓）
func (s *TaskStore) ListNeedsManual(ctx context.Context) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_market_id, hedge_market_id, side, task_type, strategy, status,
		       total_quantity, predict_filled_qty, remaining_qty, hedged_qty,
		       entry_price, hedge_price, pause_count, hedge_retry_count,
		       unwind_loss, needs_manual, fail_reason, error_details, created_at, updated_at
		FROM tasks WHERE needs_manual = 1 ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "查询待处理任务失败")
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Close 关闭数据库
func (s *TaskStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	t := &domain.Task{}
	var side, taskType, strategy, status string
	var entryPrice, hedgePrice float64
	var needsManual int

	err := row.Scan(
		&t.ID, &t.Pair.EntryMarketID, &t.Pair.HedgeMarketID, &side, &taskType, &strategy, &status,
		&t.TotalQuantity, &t.PredictFilledQty, &t.RemainingQty, &t.HedgedQty,
		&entryPrice, &hedgePrice, &t.PauseCount, &t.HedgeRetryCount,
		&t.UnwindLoss, &needsManual, &t.FailReason, &t.ErrorDetails, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Side = domain.Side(side)
	t.Type = domain.TaskType(taskType)
	t.Strategy = domain.Strategy(strategy)
	t.Status = domain.TaskStatus(status)
	t.EntryPrice = domain.PriceFromDecimal(entryPrice)
	t.HedgePrice = domain.PriceFromDecimal(hedgePrice)
	t.NeedsManual = needsManual == 1
	return t, nil
}
