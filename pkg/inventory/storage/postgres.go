package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiBatchLedger/pkg/inventory"
)

// PostgreSQL error codes handled by the store
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLockNotAvailable     = "55P03"
)

const batchColumns = `id, inventory_item_id, restaurant_id, batch_number, unit,
	initial_quantity, current_quantity, purchase_price, selling_price, currency, supplier,
	purchase_date, manufacturing_date, expiry_date, lot_number, notes, status, version,
	created_at, created_by, updated_at, updated_by`

const movementColumns = `seq, id, batch_id, inventory_item_id, restaurant_id, movement_type,
	quantity_delta, resulting_quantity, reference_type, reference_id, notes, created_at, created_by`

// PoolConfig holds connection pool settings
// 接続プール設定
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgreSQLStorage implements the Storage interface using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ inventory.Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(ctx context.Context, dsn string, pool PoolConfig, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 25
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 10
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	return NewPostgreSQLStorageFromDB(db, logger), nil
}

// NewPostgreSQLStorageFromDB wraps an already opened database handle
// 既に開かれたデータベースハンドルをラップ
func NewPostgreSQLStorageFromDB(db *sql.DB, logger *zap.Logger) *PostgreSQLStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgreSQLStorage{
		db:     db,
		logger: logger,
	}
}

// RunInTx runs fn in a database transaction and commits when it returns nil
// データベーストランザクション内でfnを実行し、nilが返ればコミット
func (s *PostgreSQLStorage) RunInTx(ctx context.Context, fn func(tx inventory.StorageTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return classifyTxError(err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("コミットに失敗しました", zap.Error(err))
		return classifyTxError(fmt.Errorf("コミットに失敗しました: %w", err))
	}
	return nil
}

// classifyTxError turns lock and serialization failures into retryable concurrency errors
// ロック・直列化失敗を再試行可能な同時実行エラーに変換
func classifyTxError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqSerializationFailure, pqDeadlockDetected, pqLockNotAvailable:
			return inventory.NewConcurrencyError("transaction", "batches", pqErr.Message)
		}
	}
	return err
}

// GetBatch retrieves a batch without locking it
// ロックせずにバッチを取得
func (s *PostgreSQLStorage) GetBatch(ctx context.Context, batchID string) (*inventory.Batch, error) {
	return getBatch(ctx, s.db, batchID, false)
}

// ListBatches returns batches matching the filter, ordered by item and ID
// 条件に一致するバッチを取得
func (s *PostgreSQLStorage) ListBatches(ctx context.Context, filter inventory.BatchFilter) ([]inventory.Batch, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.InventoryItemID != "" {
		conds = append(conds, "inventory_item_id = "+arg(filter.InventoryItemID))
	}
	if filter.RestaurantID != "" {
		conds = append(conds, "restaurant_id = "+arg(filter.RestaurantID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		conds = append(conds, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if filter.ExpiringBefore != nil {
		conds = append(conds, "expiry_date IS NOT NULL AND expiry_date <= "+arg(*filter.ExpiringBefore))
	}
	if filter.OnlyWithStock {
		conds = append(conds, "current_quantity > 0")
	}

	query := "SELECT " + batchColumns + " FROM batches"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY inventory_item_id, id"

	return queryBatches(ctx, s.db, query, args...)
}

// ListMovements returns movements matching the filter in ledger order
// 条件に一致する移動を記録順で取得
func (s *PostgreSQLStorage) ListMovements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	return listMovements(ctx, s.db, filter)
}

// MarkExpired reclassifies active past-expiry batches that still hold stock in one statement
// 期限切れの在庫ありactiveバッチを1文でexpiredに変更
func (s *PostgreSQLStorage) MarkExpired(ctx context.Context, asOf time.Time, updatedBy string) (int, error) {
	query := `
		UPDATE batches
		SET status = 'expired', version = version + 1, updated_at = $2, updated_by = $3
		WHERE status = 'active'
		  AND current_quantity > 0
		  AND expiry_date IS NOT NULL
		  AND expiry_date < $1`

	result, err := s.db.ExecContext(ctx, query, asOf, time.Now(), updatedBy)
	if err != nil {
		return 0, fmt.Errorf("期限切れ再分類に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	return int(rowsAffected), nil
}

// Ping checks database connectivity
// データベース接続をチェック
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

// pgTx is the transactional view handed to RunInTx callbacks
// RunInTxのコールバックに渡すトランザクションビュー
type pgTx struct {
	q querier
}

var _ inventory.StorageTx = (*pgTx)(nil)

// LockItemBatches locks every batch row of the item with SELECT ... FOR UPDATE.
// Rows are locked in ID order.
// 品目の全バッチ行をID順にSELECT ... FOR UPDATEでロック
func (t *pgTx) LockItemBatches(ctx context.Context, itemID string) ([]inventory.Batch, error) {
	query := "SELECT " + batchColumns + " FROM batches WHERE inventory_item_id = $1 ORDER BY id FOR UPDATE"
	return queryBatches(ctx, t.q, query, itemID)
}

func (t *pgTx) GetBatchForUpdate(ctx context.Context, batchID string) (*inventory.Batch, error) {
	return getBatch(ctx, t.q, batchID, true)
}

// CreateBatch inserts a new batch
// 新しいバッチを挿入
func (t *pgTx) CreateBatch(ctx context.Context, b *inventory.Batch) error {
	query := `
		INSERT INTO batches (` + batchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

	_, err := t.q.ExecContext(ctx, query,
		b.ID,
		b.InventoryItemID,
		b.RestaurantID,
		b.BatchNumber,
		b.Unit,
		b.InitialQuantity,
		b.CurrentQuantity,
		b.PurchasePrice,
		b.SellingPrice,
		b.Currency,
		b.Supplier,
		b.PurchaseDate,
		nullTime(b.ManufacturingDate),
		nullTime(b.ExpiryDate),
		b.LotNumber,
		b.Notes,
		string(b.Status),
		b.Version,
		b.CreatedAt,
		b.CreatedBy,
		b.UpdatedAt,
		b.UpdatedBy,
	)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return inventory.ErrDuplicateBatchNumber
		}
		return fmt.Errorf("バッチ作成に失敗しました: %w", err)
	}

	return nil
}

// UpdateBatch writes the mutable batch fields, guarded by the previous version
// 前バージョンを条件にバッチの可変項目を更新
func (t *pgTx) UpdateBatch(ctx context.Context, b *inventory.Batch) error {
	query := `
		UPDATE batches
		SET current_quantity = $2, status = $3, notes = $4, selling_price = $5,
		    version = $6, updated_at = $7, updated_by = $8
		WHERE id = $1 AND version = $9`

	result, err := t.q.ExecContext(ctx, query,
		b.ID,
		b.CurrentQuantity,
		string(b.Status),
		b.Notes,
		b.SellingPrice,
		b.Version,
		b.UpdatedAt,
		b.UpdatedBy,
		b.Version-1, // 楽観的ロックのための前バージョン
	)

	if err != nil {
		return fmt.Errorf("バッチ更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}

	if rowsAffected == 0 {
		return inventory.ErrVersionMismatch
	}

	return nil
}

// AppendMovement inserts a movement and reads back its sequence
// 移動を挿入し記録順序を取得
func (t *pgTx) AppendMovement(ctx context.Context, mv *inventory.Movement) error {
	query := `
		INSERT INTO batch_movements (id, batch_id, inventory_item_id, restaurant_id, movement_type,
			quantity_delta, resulting_quantity, reference_type, reference_id, notes, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`

	err := t.q.QueryRowContext(ctx, query,
		mv.ID,
		mv.BatchID,
		mv.InventoryItemID,
		mv.RestaurantID,
		string(mv.Type),
		mv.QuantityDelta,
		mv.ResultingQuantity,
		string(mv.ReferenceType),
		mv.ReferenceID,
		mv.Notes,
		mv.CreatedAt,
		mv.CreatedBy,
	).Scan(&mv.Sequence)

	if err != nil {
		return fmt.Errorf("移動記録に失敗しました: %w", err)
	}
	return nil
}

func (t *pgTx) ListMovements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	return listMovements(ctx, t.q, filter)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*inventory.Batch, error) {
	var (
		b             inventory.Batch
		status        string
		manufacturing sql.NullTime
		expiry        sql.NullTime
	)
	err := row.Scan(
		&b.ID,
		&b.InventoryItemID,
		&b.RestaurantID,
		&b.BatchNumber,
		&b.Unit,
		&b.InitialQuantity,
		&b.CurrentQuantity,
		&b.PurchasePrice,
		&b.SellingPrice,
		&b.Currency,
		&b.Supplier,
		&b.PurchaseDate,
		&manufacturing,
		&expiry,
		&b.LotNumber,
		&b.Notes,
		&status,
		&b.Version,
		&b.CreatedAt,
		&b.CreatedBy,
		&b.UpdatedAt,
		&b.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}
	b.Status = inventory.BatchStatus(status)
	if manufacturing.Valid {
		t := manufacturing.Time
		b.ManufacturingDate = &t
	}
	if expiry.Valid {
		t := expiry.Time
		b.ExpiryDate = &t
	}
	return &b, nil
}

func getBatch(ctx context.Context, q querier, batchID string, forUpdate bool) (*inventory.Batch, error) {
	query := "SELECT " + batchColumns + " FROM batches WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	b, err := scanBatch(q.QueryRowContext(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrBatchNotFound
		}
		return nil, fmt.Errorf("バッチ取得に失敗しました: %w", err)
	}
	return b, nil
}

func queryBatches(ctx context.Context, q querier, query string, args ...any) ([]inventory.Batch, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("バッチ一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var batches []inventory.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("バッチデータの読み取りに失敗しました: %w", err)
		}
		batches = append(batches, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("バッチ一覧の読み取りに失敗しました: %w", err)
	}
	return batches, nil
}

func listMovements(ctx context.Context, q querier, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.BatchID != "" {
		conds = append(conds, "batch_id = "+arg(filter.BatchID))
	}
	if filter.InventoryItemID != "" {
		conds = append(conds, "inventory_item_id = "+arg(filter.InventoryItemID))
	}
	if filter.RestaurantID != "" {
		conds = append(conds, "restaurant_id = "+arg(filter.RestaurantID))
	}
	if filter.ReferenceType != "" {
		conds = append(conds, "reference_type = "+arg(string(filter.ReferenceType)))
	}
	if filter.ReferenceID != "" {
		conds = append(conds, "reference_id = "+arg(filter.ReferenceID))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, mt := range filter.Types {
			types[i] = string(mt)
		}
		conds = append(conds, "movement_type = ANY("+arg(pq.Array(types))+")")
	}
	if filter.From != nil {
		conds = append(conds, "created_at >= "+arg(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "created_at <= "+arg(*filter.To))
	}

	query := "SELECT " + movementColumns + " FROM batch_movements"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("移動履歴取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var movements []inventory.Movement
	for rows.Next() {
		var (
			mv      inventory.Movement
			mvType  string
			refType string
		)
		err := rows.Scan(
			&mv.Sequence,
			&mv.ID,
			&mv.BatchID,
			&mv.InventoryItemID,
			&mv.RestaurantID,
			&mvType,
			&mv.QuantityDelta,
			&mv.ResultingQuantity,
			&refType,
			&mv.ReferenceID,
			&mv.Notes,
			&mv.CreatedAt,
			&mv.CreatedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("移動データの読み取りに失敗しました: %w", err)
		}
		mv.Type = inventory.MovementType(mvType)
		mv.ReferenceType = inventory.ReferenceType(refType)
		movements = append(movements, mv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("移動履歴の読み取りに失敗しました: %w", err)
	}
	return movements, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
