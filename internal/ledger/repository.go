package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coldstore/ledger/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	LockLedger(ctx context.Context, coldStorageID uuid.UUID) error
	NextVoucherNumber(ctx context.Context, coldStorageID uuid.UUID, typ VoucherType) (int64, error)
	NextSequence(ctx context.Context) (int64, error)
	VoucherExists(ctx context.Context, coldStorageID uuid.UUID, v Voucher) (bool, error)
	GetFarmerAccount(ctx context.Context, id uuid.UUID) (FarmerAccount, error)
	ListFarmerProfiles(ctx context.Context, coldStorageID uuid.UUID) (map[uuid.UUID]uuid.UUID, error)
	ListIncomingOrders(ctx context.Context, coldStorageID uuid.UUID) ([]IncomingOrder, error)
	ListOutgoingOrders(ctx context.Context, coldStorageID uuid.UUID) ([]OutgoingOrder, error)
	GetIncomingOrder(ctx context.Context, id uuid.UUID) (IncomingOrder, error)
	GetOutgoingOrder(ctx context.Context, id uuid.UUID) (OutgoingOrder, error)
	InsertIncomingOrder(ctx context.Context, order IncomingOrder) error
	UpdateIncomingOrders(ctx context.Context, orders []IncomingOrder) error
	InsertOutgoingOrder(ctx context.Context, order OutgoingOrder) error
	UpdateOutgoingOrder(ctx context.Context, order OutgoingOrder) error
	DeleteOutgoingOrder(ctx context.Context, id uuid.UUID) error
	ApplySnapshots(ctx context.Context, updates []SnapshotUpdate, at time.Time) error
}

type txRepo struct {
	tx pgx.Tx
}

// ErrOrderNotFound indicates a missing order row.
var ErrOrderNotFound = errors.New("ledger: order row not found")

// WithTx executes the callback inside a read-committed transaction. Callers
// take the ledger advisory lock first; later statements then see every row
// committed by the previous lock holder.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const incomingColumns = `id, cold_storage_id, farmer_account_id, voucher_number, line_items, remarks,
	date_of_entry, current_stock_at_that_time, farmer_current_stock_at_that_time, created_at, updated_at, seq`

const outgoingColumns = `id, cold_storage_id, farmer_account_id, voucher_number, order_details, remarks,
	date_of_extraction, current_stock_at_that_time, created_at, updated_at, seq`

func scanIncoming(row pgx.Row) (IncomingOrder, error) {
	var (
		o     IncomingOrder
		items []byte
	)
	err := row.Scan(&o.ID, &o.ColdStorageID, &o.FarmerAccountID, &o.Voucher.Number, &items, &o.Remarks,
		&o.DateOfEntry, &o.CurrentStockAtThatTime, &o.FarmerCurrentStockAtThatTime, &o.CreatedAt, &o.UpdatedAt, &o.Seq)
	if err != nil {
		return IncomingOrder{}, err
	}
	o.Voucher.Type = VoucherReceipt
	if err := json.Unmarshal(items, &o.LineItems); err != nil {
		return IncomingOrder{}, fmt.Errorf("ledger: decode line items of %s: %w", o.ID, err)
	}
	return o, nil
}

func scanOutgoing(row pgx.Row) (OutgoingOrder, error) {
	var (
		o       OutgoingOrder
		details []byte
	)
	err := row.Scan(&o.ID, &o.ColdStorageID, &o.FarmerAccountID, &o.Voucher.Number, &details, &o.Remarks,
		&o.DateOfExtraction, &o.CurrentStockAtThatTime, &o.CreatedAt, &o.UpdatedAt, &o.Seq)
	if err != nil {
		return OutgoingOrder{}, err
	}
	o.Voucher.Type = VoucherDelivery
	if err := json.Unmarshal(details, &o.Lines); err != nil {
		return OutgoingOrder{}, fmt.Errorf("ledger: decode order details of %s: %w", o.ID, err)
	}
	return o, nil
}

func listIncoming(ctx context.Context, q querier, where string, args ...any) ([]IncomingOrder, error) {
	rows, err := q.Query(ctx, `SELECT `+incomingColumns+` FROM incoming_orders WHERE `+where+` ORDER BY created_at, seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IncomingOrder
	for rows.Next() {
		o, err := scanIncoming(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func listOutgoing(ctx context.Context, q querier, where string, args ...any) ([]OutgoingOrder, error) {
	rows, err := q.Query(ctx, `SELECT `+outgoingColumns+` FROM outgoing_orders WHERE `+where+` ORDER BY created_at, seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OutgoingOrder
	for rows.Next() {
		o, err := scanOutgoing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func getIncoming(ctx context.Context, q querier, suffix string, args ...any) (IncomingOrder, error) {
	o, err := scanIncoming(q.QueryRow(ctx, `SELECT `+incomingColumns+` FROM incoming_orders WHERE `+suffix, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return IncomingOrder{}, ErrOrderNotFound
	}
	return o, err
}

// ListIncomingOrders returns the tenant's receipts in chronological order.
func (r *Repository) ListIncomingOrders(ctx context.Context, coldStorageID uuid.UUID) ([]IncomingOrder, error) {
	return listIncoming(ctx, r.pool, `cold_storage_id = $1`, coldStorageID)
}

// ListOutgoingOrders returns the tenant's deliveries in chronological order.
func (r *Repository) ListOutgoingOrders(ctx context.Context, coldStorageID uuid.UUID) ([]OutgoingOrder, error) {
	return listOutgoing(ctx, r.pool, `cold_storage_id = $1`, coldStorageID)
}

// FindIncomingByVoucher looks a receipt up by its voucher number.
func (r *Repository) FindIncomingByVoucher(ctx context.Context, coldStorageID uuid.UUID, number int64) (IncomingOrder, error) {
	return getIncoming(ctx, r.pool, `cold_storage_id = $1 AND voucher_number = $2`, coldStorageID, number)
}

// ListFarmerAccountIDsByProfile returns every account of one farmer profile.
func (r *Repository) ListFarmerAccountIDsByProfile(ctx context.Context, coldStorageID, profileID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM farmer_accounts WHERE cold_storage_id = $1 AND profile_id = $2`, coldStorageID, profileID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// ListColdStorageIDs returns every tenant with at least one receipt.
func (r *Repository) ListColdStorageIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT cold_storage_id FROM incoming_orders ORDER BY cold_storage_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// LockLedger serialises mutations of one cold storage until the transaction ends.
func (t *txRepo) LockLedger(ctx context.Context, coldStorageID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, coldStorageID.String())
	return err
}

func (t *txRepo) NextVoucherNumber(ctx context.Context, coldStorageID uuid.UUID, typ VoucherType) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO voucher_counters (cold_storage_id, voucher_type, last_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (cold_storage_id, voucher_type)
		DO UPDATE SET last_number = voucher_counters.last_number + 1
		RETURNING last_number
	`, coldStorageID, string(typ)).Scan(&n)
	return n, err
}

func (t *txRepo) NextSequence(ctx context.Context) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx, `SELECT nextval('ledger_seq')`).Scan(&n)
	return n, err
}

func (t *txRepo) VoucherExists(ctx context.Context, coldStorageID uuid.UUID, v Voucher) (bool, error) {
	table := "incoming_orders"
	if v.Type == VoucherDelivery {
		table = "outgoing_orders"
	}
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE cold_storage_id = $1 AND voucher_number = $2)`,
		coldStorageID, v.Number).Scan(&exists)
	return exists, err
}

func (t *txRepo) GetFarmerAccount(ctx context.Context, id uuid.UUID) (FarmerAccount, error) {
	var (
		fa      FarmerAccount
		variety *string
	)
	err := t.tx.QueryRow(ctx, `SELECT id, profile_id, cold_storage_id, variety FROM farmer_accounts WHERE id = $1`, id).
		Scan(&fa.ID, &fa.ProfileID, &fa.ColdStorageID, &variety)
	if errors.Is(err, pgx.ErrNoRows) {
		return FarmerAccount{}, &NotFoundError{Entity: "farmer account", ID: id.String()}
	}
	if variety != nil {
		fa.Variety = *variety
	}
	return fa, err
}

func (t *txRepo) ListFarmerProfiles(ctx context.Context, coldStorageID uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, profile_id FROM farmer_accounts WHERE cold_storage_id = $1`, coldStorageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]uuid.UUID)
	for rows.Next() {
		var id, profile uuid.UUID
		if err := rows.Scan(&id, &profile); err != nil {
			return nil, err
		}
		out[id] = profile
	}
	return out, rows.Err()
}

func (t *txRepo) ListIncomingOrders(ctx context.Context, coldStorageID uuid.UUID) ([]IncomingOrder, error) {
	return listIncoming(ctx, t.tx, `cold_storage_id = $1`, coldStorageID)
}

func (t *txRepo) ListOutgoingOrders(ctx context.Context, coldStorageID uuid.UUID) ([]OutgoingOrder, error) {
	return listOutgoing(ctx, t.tx, `cold_storage_id = $1`, coldStorageID)
}

func (t *txRepo) GetIncomingOrder(ctx context.Context, id uuid.UUID) (IncomingOrder, error) {
	return getIncoming(ctx, t.tx, `id = $1 FOR UPDATE`, id)
}

func (t *txRepo) GetOutgoingOrder(ctx context.Context, id uuid.UUID) (OutgoingOrder, error) {
	o, err := scanOutgoing(t.tx.QueryRow(ctx, `SELECT `+outgoingColumns+` FROM outgoing_orders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return OutgoingOrder{}, ErrOrderNotFound
	}
	return o, err
}

func (t *txRepo) InsertIncomingOrder(ctx context.Context, o IncomingOrder) error {
	items, err := json.Marshal(o.LineItems)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO incoming_orders (
			id, cold_storage_id, farmer_account_id, voucher_number, line_items, remarks,
			date_of_entry, current_stock_at_that_time, farmer_current_stock_at_that_time,
			created_at, updated_at, seq
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, o.ID, o.ColdStorageID, o.FarmerAccountID, o.Voucher.Number, items, o.Remarks,
		o.DateOfEntry, o.CurrentStockAtThatTime, o.FarmerCurrentStockAtThatTime,
		o.CreatedAt, o.UpdatedAt, o.Seq)
	return mapUniqueViolation(err, o.Voucher)
}

// UpdateIncomingOrders writes every mutable column of the given receipts in
// one round trip.
func (t *txRepo) UpdateIncomingOrders(ctx context.Context, orders []IncomingOrder) error {
	if len(orders) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range orders {
		items, err := json.Marshal(o.LineItems)
		if err != nil {
			return err
		}
		batch.Queue(`
			UPDATE incoming_orders
			SET farmer_account_id = $2, line_items = $3, remarks = $4, date_of_entry = $5,
				current_stock_at_that_time = $6, farmer_current_stock_at_that_time = $7, updated_at = $8
			WHERE id = $1
		`, o.ID, o.FarmerAccountID, items, o.Remarks, o.DateOfEntry,
			o.CurrentStockAtThatTime, o.FarmerCurrentStockAtThatTime, o.UpdatedAt)
	}
	return execBatch(ctx, t.tx, batch)
}

func (t *txRepo) InsertOutgoingOrder(ctx context.Context, o OutgoingOrder) error {
	details, err := json.Marshal(o.Lines)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO outgoing_orders (
			id, cold_storage_id, farmer_account_id, voucher_number, order_details, remarks,
			date_of_extraction, current_stock_at_that_time, created_at, updated_at, seq
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, o.ID, o.ColdStorageID, o.FarmerAccountID, o.Voucher.Number, details, o.Remarks,
		o.DateOfExtraction, o.CurrentStockAtThatTime, o.CreatedAt, o.UpdatedAt, o.Seq)
	return mapUniqueViolation(err, o.Voucher)
}

func (t *txRepo) UpdateOutgoingOrder(ctx context.Context, o OutgoingOrder) error {
	details, err := json.Marshal(o.Lines)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE outgoing_orders
		SET order_details = $2, remarks = $3, date_of_extraction = $4,
			current_stock_at_that_time = $5, updated_at = $6
		WHERE id = $1
	`, o.ID, details, o.Remarks, o.DateOfExtraction, o.CurrentStockAtThatTime, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *txRepo) DeleteOutgoingOrder(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM outgoing_orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *txRepo) ApplySnapshots(ctx context.Context, updates []SnapshotUpdate, at time.Time) error {
	if len(updates) == 0 {
		return nil
	}
	now := at.UTC()
	batch := &pgx.Batch{}
	for _, u := range updates {
		switch u.Direction {
		case DirectionIncoming:
			batch.Queue(`
				UPDATE incoming_orders
				SET current_stock_at_that_time = $2,
					farmer_current_stock_at_that_time = COALESCE($3, farmer_current_stock_at_that_time),
					updated_at = $4
				WHERE id = $1
			`, u.ID, u.CurrentStockAtThatTime, u.FarmerCurrentStockAtThatTime, now)
		case DirectionOutgoing:
			batch.Queue(`UPDATE outgoing_orders SET current_stock_at_that_time = $2, updated_at = $3 WHERE id = $1`,
				u.ID, u.CurrentStockAtThatTime, now)
		default:
			return fmt.Errorf("ledger: unknown direction %q", u.Direction)
		}
	}
	return execBatch(ctx, t.tx, batch)
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return fmt.Errorf("ledger: batch statement %d: %w", i+1, err)
		}
		if tag.RowsAffected() == 0 {
			_ = results.Close()
			return fmt.Errorf("ledger: batch statement %d: %w", i+1, ErrOrderNotFound)
		}
	}
	return results.Close()
}

func mapUniqueViolation(err error, v Voucher) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &DuplicateVoucherError{Voucher: v}
	}
	return err
}
