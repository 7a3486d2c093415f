// Package storage provides the PostgreSQL persistence layer for the
// fulfillment engine
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/hikiateGoFramework/pkg/fulfillment"
)

// PostgreSQLStorage implements the Storage interface using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

// インターフェースを実装することを明示
var _ fulfillment.Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgreSQLStorage{
		db:     db,
		logger: logger,
	}, nil
}

// CreateItem creates a new stock item record
// 新しい品目記録を作成
func (s *PostgreSQLStorage) CreateItem(ctx context.Context, item *fulfillment.StockItem) error {
	query := `
		INSERT INTO stock_items (id, name, kind, quantity, unit_cost, low_stock_threshold, created_at, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		item.ID,
		item.Name,
		item.Kind,
		item.Quantity,
		item.UnitCost,
		item.LowStockThreshold,
		item.CreatedAt,
		item.UpdatedAt,
		item.UpdatedBy,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fulfillment.ErrDuplicateItem
		}
		return fmt.Errorf("品目作成に失敗しました: %w", err)
	}

	return nil
}

// GetItem retrieves a stock item by ID
// 品目をIDで取得
func (s *PostgreSQLStorage) GetItem(ctx context.Context, itemID string) (*fulfillment.StockItem, error) {
	query := `
		SELECT id, name, kind, quantity, unit_cost, low_stock_threshold, created_at, updated_at, updated_by
		FROM stock_items
		WHERE id = $1`

	item := &fulfillment.StockItem{}
	err := s.db.QueryRowContext(ctx, query, itemID).Scan(
		&item.ID,
		&item.Name,
		&item.Kind,
		&item.Quantity,
		&item.UnitCost,
		&item.LowStockThreshold,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.UpdatedBy,
	)

	if err == sql.ErrNoRows {
		return nil, fulfillment.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("品目取得に失敗しました: %w", err)
	}

	return item, nil
}

// UpdateItem updates an existing stock item record
// 既存の品目記録を更新
func (s *PostgreSQLStorage) UpdateItem(ctx context.Context, item *fulfillment.StockItem) error {
	query := `
		UPDATE stock_items
		SET name = $2, kind = $3, quantity = $4, unit_cost = $5, low_stock_threshold = $6, updated_at = $7, updated_by = $8
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		item.ID,
		item.Name,
		item.Kind,
		item.Quantity,
		item.UnitCost,
		item.LowStockThreshold,
		item.UpdatedAt,
		item.UpdatedBy,
	)

	if err != nil {
		return fmt.Errorf("品目更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fulfillment.ErrItemNotFound
	}

	return nil
}

// ListItems lists items of a kind, sorted by ID. Empty kind lists all.
// 指定種別の品目をID順で列挙。種別が空の場合は全件。
func (s *PostgreSQLStorage) ListItems(ctx context.Context, kind fulfillment.ItemKind) ([]fulfillment.StockItem, error) {
	query := `
		SELECT id, name, kind, quantity, unit_cost, low_stock_threshold, created_at, updated_at, updated_by
		FROM stock_items
		WHERE ($1 = '' OR kind = $1)
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, string(kind))
	if err != nil {
		return nil, fmt.Errorf("品目一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []fulfillment.StockItem
	for rows.Next() {
		var item fulfillment.StockItem
		if err := rows.Scan(
			&item.ID,
			&item.Name,
			&item.Kind,
			&item.Quantity,
			&item.UnitCost,
			&item.LowStockThreshold,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.UpdatedBy,
		); err != nil {
			return nil, fmt.Errorf("品目行の読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// AppendMutation appends an immutable stock mutation record
// 在庫変動記録を追記
func (s *PostgreSQLStorage) AppendMutation(ctx context.Context, mutation *fulfillment.StockMutation) error {
	query := `
		INSERT INTO stock_mutations (id, item_id, delta, resulting_qty, reason, correlation_id, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		mutation.ID,
		mutation.ItemID,
		mutation.Delta,
		mutation.ResultingQty,
		mutation.Reason,
		mutation.CorrelationID,
		mutation.Actor,
		mutation.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("変動記録の追記に失敗しました: %w", err)
	}

	return nil
}

// GetMutationHistory returns mutations newest first, up to limit
// 変動履歴を新しい順にlimit件まで返す
func (s *PostgreSQLStorage) GetMutationHistory(ctx context.Context, itemID string, limit int) ([]fulfillment.StockMutation, error) {
	query := `
		SELECT id, item_id, delta, resulting_qty, reason, correlation_id, actor, created_at
		FROM stock_mutations
		WHERE item_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("変動履歴取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var mutations []fulfillment.StockMutation
	for rows.Next() {
		var m fulfillment.StockMutation
		if err := rows.Scan(
			&m.ID,
			&m.ItemID,
			&m.Delta,
			&m.ResultingQty,
			&m.Reason,
			&m.CorrelationID,
			&m.Actor,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("変動行の読み取りに失敗しました: %w", err)
		}
		mutations = append(mutations, m)
	}

	return mutations, rows.Err()
}

// SaveRecipe stores the bill of materials for a finished good as JSONB
// 完成品の部品表をJSONBとして保存
func (s *PostgreSQLStorage) SaveRecipe(ctx context.Context, finishedGoodID string, lines []fulfillment.BOMLine) error {
	payload, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("部品表のシリアライズに失敗しました: %w", err)
	}

	query := `
		INSERT INTO recipes (finished_good_id, lines, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (finished_good_id) DO UPDATE SET lines = $2, updated_at = $3`

	if _, err := s.db.ExecContext(ctx, query, finishedGoodID, payload, time.Now()); err != nil {
		return fmt.Errorf("部品表保存に失敗しました: %w", err)
	}

	return nil
}

// GetRecipe retrieves the bill of materials for a finished good
// 完成品の部品表を取得
func (s *PostgreSQLStorage) GetRecipe(ctx context.Context, finishedGoodID string) ([]fulfillment.BOMLine, error) {
	query := `SELECT lines FROM recipes WHERE finished_good_id = $1`

	var payload []byte
	err := s.db.QueryRowContext(ctx, query, finishedGoodID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fulfillment.ErrRecipeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("部品表取得に失敗しました: %w", err)
	}

	var lines []fulfillment.BOMLine
	if err := json.Unmarshal(payload, &lines); err != nil {
		return nil, fmt.Errorf("部品表のデシリアライズに失敗しました: %w", err)
	}

	return lines, nil
}

// CreateOrder creates a new order record with its lines as JSONB
// 明細をJSONBとして持つ注文記録を作成
func (s *PostgreSQLStorage) CreateOrder(ctx context.Context, order *fulfillment.Order) error {
	payload, err := json.Marshal(order.Lines)
	if err != nil {
		return fmt.Errorf("注文明細のシリアライズに失敗しました: %w", err)
	}

	query := `
		INSERT INTO orders (id, contact_id, priority_tier, lines, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = s.db.ExecContext(ctx, query,
		order.ID,
		order.ContactID,
		order.PriorityTier,
		payload,
		order.Status,
		order.CreatedAt,
		order.UpdatedAt,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fulfillment.ErrDuplicateOrder
		}
		return fmt.Errorf("注文作成に失敗しました: %w", err)
	}

	return nil
}

// GetOrder retrieves an order by ID
// 注文をIDで取得
func (s *PostgreSQLStorage) GetOrder(ctx context.Context, orderID string) (*fulfillment.Order, error) {
	query := `
		SELECT id, contact_id, priority_tier, lines, status, created_at, updated_at
		FROM orders
		WHERE id = $1`

	order := &fulfillment.Order{}
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, orderID).Scan(
		&order.ID,
		&order.ContactID,
		&order.PriorityTier,
		&payload,
		&order.Status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fulfillment.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("注文取得に失敗しました: %w", err)
	}

	if err := json.Unmarshal(payload, &order.Lines); err != nil {
		return nil, fmt.Errorf("注文明細のデシリアライズに失敗しました: %w", err)
	}

	return order, nil
}

// UpdateOrder updates an existing order record
// 既存の注文記録を更新
func (s *PostgreSQLStorage) UpdateOrder(ctx context.Context, order *fulfillment.Order) error {
	payload, err := json.Marshal(order.Lines)
	if err != nil {
		return fmt.Errorf("注文明細のシリアライズに失敗しました: %w", err)
	}

	query := `
		UPDATE orders
		SET contact_id = $2, priority_tier = $3, lines = $4, status = $5, updated_at = $6
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		order.ID,
		order.ContactID,
		order.PriorityTier,
		payload,
		order.Status,
		order.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("注文更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fulfillment.ErrOrderNotFound
	}

	return nil
}

// ListOrdersByStatus lists orders in a status, oldest first
// 指定ステータスの注文を古い順で列挙
func (s *PostgreSQLStorage) ListOrdersByStatus(ctx context.Context, status fulfillment.OrderStatus) ([]fulfillment.Order, error) {
	query := `
		SELECT id, contact_id, priority_tier, lines, status, created_at, updated_at
		FROM orders
		WHERE status = $1
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("注文一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var orders []fulfillment.Order
	for rows.Next() {
		var order fulfillment.Order
		var payload []byte
		if err := rows.Scan(
			&order.ID,
			&order.ContactID,
			&order.PriorityTier,
			&payload,
			&order.Status,
			&order.CreatedAt,
			&order.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("注文行の読み取りに失敗しました: %w", err)
		}
		if err := json.Unmarshal(payload, &order.Lines); err != nil {
			return nil, fmt.Errorf("注文明細のデシリアライズに失敗しました: %w", err)
		}
		orders = append(orders, order)
	}

	return orders, rows.Err()
}

// AppendOrderHistory appends an order history entry
// 注文履歴を追記
func (s *PostgreSQLStorage) AppendOrderHistory(ctx context.Context, entry *fulfillment.OrderHistoryEntry) error {
	query := `
		INSERT INTO order_history (id, order_id, kind, from_status, to_status, counterparty_id, item_id, quantity, message, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.OrderID,
		entry.Kind,
		entry.FromStatus,
		entry.ToStatus,
		entry.CounterpartyID,
		entry.ItemID,
		entry.Quantity,
		entry.Message,
		entry.Actor,
		entry.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("注文履歴の追記に失敗しました: %w", err)
	}

	return nil
}

// GetOrderHistory returns history entries newest first, up to limit
// 注文履歴を新しい順にlimit件まで返す
func (s *PostgreSQLStorage) GetOrderHistory(ctx context.Context, orderID string, limit int) ([]fulfillment.OrderHistoryEntry, error) {
	query := `
		SELECT id, order_id, kind, from_status, to_status, counterparty_id, item_id, quantity, message, actor, created_at
		FROM order_history
		WHERE order_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("注文履歴取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []fulfillment.OrderHistoryEntry
	for rows.Next() {
		var e fulfillment.OrderHistoryEntry
		if err := rows.Scan(
			&e.ID,
			&e.OrderID,
			&e.Kind,
			&e.FromStatus,
			&e.ToStatus,
			&e.CounterpartyID,
			&e.ItemID,
			&e.Quantity,
			&e.Message,
			&e.Actor,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("履歴行の読み取りに失敗しました: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// CreateProductionOrder creates a new production order record
// 製造指図記録を作成
func (s *PostgreSQLStorage) CreateProductionOrder(ctx context.Context, po *fulfillment.ProductionOrder) error {
	payload, err := json.Marshal(po.Lines)
	if err != nil {
		return fmt.Errorf("製造明細のシリアライズに失敗しました: %w", err)
	}

	query := `
		INSERT INTO production_orders (id, source_order_id, lines, status, shortage, created_at, created_by, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.db.ExecContext(ctx, query,
		po.ID,
		po.SourceOrderID,
		payload,
		po.Status,
		po.Shortage,
		po.CreatedAt,
		po.CreatedBy,
		po.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("製造指図作成に失敗しました: %w", err)
	}

	return nil
}

// GetProductionOrder retrieves a production order by ID
// 製造指図をIDで取得
func (s *PostgreSQLStorage) GetProductionOrder(ctx context.Context, id string) (*fulfillment.ProductionOrder, error) {
	query := `
		SELECT id, source_order_id, lines, status, shortage, created_at, created_by, completed_at
		FROM production_orders
		WHERE id = $1`

	po := &fulfillment.ProductionOrder{}
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&po.ID,
		&po.SourceOrderID,
		&payload,
		&po.Status,
		&po.Shortage,
		&po.CreatedAt,
		&po.CreatedBy,
		&po.CompletedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fulfillment.ErrProductionOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("製造指図取得に失敗しました: %w", err)
	}

	if err := json.Unmarshal(payload, &po.Lines); err != nil {
		return nil, fmt.Errorf("製造明細のデシリアライズに失敗しました: %w", err)
	}

	return po, nil
}

// UpdateProductionOrder updates an existing production order record
// 既存の製造指図記録を更新
func (s *PostgreSQLStorage) UpdateProductionOrder(ctx context.Context, po *fulfillment.ProductionOrder) error {
	payload, err := json.Marshal(po.Lines)
	if err != nil {
		return fmt.Errorf("製造明細のシリアライズに失敗しました: %w", err)
	}

	query := `
		UPDATE production_orders
		SET source_order_id = $2, lines = $3, status = $4, shortage = $5, completed_at = $6
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		po.ID,
		po.SourceOrderID,
		payload,
		po.Status,
		po.Shortage,
		po.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("製造指図更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fulfillment.ErrProductionOrderNotFound
	}

	return nil
}

// ListProductionOrders lists production orders in a status, oldest first
// 指定ステータスの製造指図を古い順で列挙
func (s *PostgreSQLStorage) ListProductionOrders(ctx context.Context, status fulfillment.ProductionStatus) ([]fulfillment.ProductionOrder, error) {
	query := `
		SELECT id, source_order_id, lines, status, shortage, created_at, created_by, completed_at
		FROM production_orders
		WHERE status = $1
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("製造指図一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var pos []fulfillment.ProductionOrder
	for rows.Next() {
		var po fulfillment.ProductionOrder
		var payload []byte
		if err := rows.Scan(
			&po.ID,
			&po.SourceOrderID,
			&payload,
			&po.Status,
			&po.Shortage,
			&po.CreatedAt,
			&po.CreatedBy,
			&po.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("製造指図行の読み取りに失敗しました: %w", err)
		}
		if err := json.Unmarshal(payload, &po.Lines); err != nil {
			return nil, fmt.Errorf("製造明細のデシリアライズに失敗しました: %w", err)
		}
		pos = append(pos, po)
	}

	return pos, rows.Err()
}

// Ping checks database connectivity
// データベース接続を確認
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}
