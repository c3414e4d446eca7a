package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// 写操作类型
const (
	ActionPlace  = "place"
	ActionCancel = "cancel"
)

// 记录状态
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// OrderRecord 一次下单/撤单的审计记录
type OrderRecord struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	Environment string    `json:"environment"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side,omitempty"`
	Type        string    `json:"type,omitempty"`
	Qty         string    `json:"qty,omitempty"`
	Price       string    `json:"price,omitempty"`
	OrderID     string    `json:"order_id,omitempty"`
	OrderLinkID string    `json:"order_link_id,omitempty"`
	Status      string    `json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Journal 写操作日志（sqlite）
type Journal struct {
	conn *sql.DB
}

// OpenJournal 打开（必要时创建）日志库
func OpenJournal(path string) (*Journal, error) {
	log.Info().Str("path", path).Msg("初始化订单日志库")
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// sqlite 单写者
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	j := &Journal{conn: conn}
	if err := j.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	_, err := j.conn.Exec(`
		CREATE TABLE IF NOT EXISTS order_journal (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			environment TEXT,
			symbol TEXT,
			side TEXT,
			type TEXT,
			qty TEXT,
			price TEXT,
			order_id TEXT,
			order_link_id TEXT,
			status TEXT,
			error_kind TEXT,
			error TEXT,
			created_at INTEGER
		);
	`)
	if err != nil {
		return fmt.Errorf("create order_journal table: %w", err)
	}
	_, err = j.conn.Exec(`CREATE INDEX IF NOT EXISTS idx_order_journal_symbol ON order_journal(symbol, created_at);`)
	if err != nil {
		return fmt.Errorf("create order_journal index: %w", err)
	}
	return nil
}

// Record 写入一条记录，ID 与时间为空时自动补齐
func (j *Journal) Record(ctx context.Context, rec OrderRecord) (OrderRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := j.conn.ExecContext(ctx, `
		INSERT INTO order_journal (id, action, environment, symbol, side, type, qty, price,
			order_id, order_link_id, status, error_kind, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Action, rec.Environment, rec.Symbol, rec.Side, rec.Type, rec.Qty, rec.Price,
		rec.OrderID, rec.OrderLinkID, rec.Status, rec.ErrorKind, rec.Error, rec.CreatedAt.UnixMilli())
	if err != nil {
		return rec, fmt.Errorf("insert journal record: %w", err)
	}
	return rec, nil
}

// Recent 最近的记录，symbol 为空时返回全部交易对
func (j *Journal) Recent(ctx context.Context, symbol string, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, action, environment, symbol, side, type, qty, price,
			order_id, order_link_id, status, error_kind, error, created_at
		FROM order_journal`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var (
			r  OrderRecord
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.Action, &r.Environment, &r.Symbol, &r.Side, &r.Type, &r.Qty, &r.Price,
			&r.OrderID, &r.OrderLinkID, &r.Status, &r.ErrorKind, &r.Error, &ms); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		r.CreatedAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count 记录总数
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_journal`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal: %w", err)
	}
	return n, nil
}

// Close 关闭
func (j *Journal) Close() error {
	return j.conn.Close()
}
