package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/coldstore/ledger/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListIncomingOrders(ctx context.Context, coldStorageID uuid.UUID) ([]IncomingOrder, error)
	ListOutgoingOrders(ctx context.Context, coldStorageID uuid.UUID) ([]OutgoingOrder, error)
	FindIncomingByVoucher(ctx context.Context, coldStorageID uuid.UUID, number int64) (IncomingOrder, error)
	ListFarmerAccountIDsByProfile(ctx context.Context, coldStorageID, profileID uuid.UUID) ([]uuid.UUID, error)
	ListColdStorageIDs(ctx context.Context) ([]uuid.UUID, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards against replayed requests.
type IdempotencyPort interface {
	Claim(ctx context.Context, coldStorageID uuid.UUID, scope, key string) error
	Release(ctx context.Context, coldStorageID uuid.UUID, scope, key string) error
}

const idempotencyScope = "outgoing_order"

// DefaultTopFarmers is the ranking size used when none is requested.
const DefaultTopFarmers = 5

// Service coordinates ledger mutations and reports.
type Service struct {
	repo        RepositoryPort
	engine      *Engine
	cache       *Cache
	audit       AuditPort
	idempotency IdempotencyPort
	logger      *slog.Logger
	now         func() time.Time
}

// ServiceOption customises Service.
type ServiceOption func(*Service)

// WithCache enables report caching.
func WithCache(c *Cache) ServiceOption { return func(s *Service) { s.cache = c } }

// WithAudit records every mutation.
func WithAudit(a AuditPort) ServiceOption { return func(s *Service) { s.audit = a } }

// WithIdempotency enables Idempotency-Key handling on deliveries.
func WithIdempotency(i IdempotencyPort) ServiceOption {
	return func(s *Service) { s.idempotency = i }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) ServiceOption { return func(s *Service) { s.now = now } }

// NewService builds Service.
func NewService(repo RepositoryPort, engine *Engine, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = NewEngine(StrategyFullRewalk, logger, nil)
	}
	s := &Service{repo: repo, engine: engine, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateIncomingOrder records a deposit and recomputes the ledger.
func (s *Service) CreateIncomingOrder(ctx context.Context, in CreateIncomingInput) (IncomingOrder, error) {
	if in.ColdStorageID == uuid.Nil {
		return IncomingOrder{}, &ValidationError{Field: "coldStorageId", Reason: "required"}
	}
	if in.FarmerAccountID == uuid.Nil {
		return IncomingOrder{}, &ValidationError{Field: "farmerAccount", Reason: "required"}
	}
	variety := NormalizeVariety(in.Variety)
	if variety == "" {
		return IncomingOrder{}, &ValidationError{Field: "variety", Reason: "required"}
	}
	bags, err := BuildBagSizes(in.BagSizes)
	if err != nil {
		return IncomingOrder{}, err
	}
	now := s.now().UTC()
	order := IncomingOrder{
		ID:              uuid.New(),
		ColdStorageID:   in.ColdStorageID,
		FarmerAccountID: in.FarmerAccountID,
		LineItems:       []LineItem{{Variety: variety, BagSizes: bags}},
		Remarks:         in.Remarks,
		DateOfEntry:     in.DateOfEntry,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if order.DateOfEntry.IsZero() {
		order.DateOfEntry = now
	}

	var updates int
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockLedger(ctx, in.ColdStorageID); err != nil {
			return err
		}
		if err := checkFarmerAccount(ctx, tx, in.ColdStorageID, in.FarmerAccountID); err != nil {
			return err
		}
		voucher, err := nextVoucher(ctx, tx, in.ColdStorageID, VoucherReceipt)
		if err != nil {
			return err
		}
		order.Voucher = voucher
		if order.Seq, err = tx.NextSequence(ctx); err != nil {
			return err
		}
		state, err := loadState(ctx, tx, in.ColdStorageID)
		if err != nil {
			return err
		}
		result := s.engine.Recompute(state, Mutation{Incoming: []IncomingOrder{order}})
		order = result.Incoming[0]
		if err := tx.InsertIncomingOrder(ctx, order); err != nil {
			return err
		}
		updates = len(result.Updates)
		return tx.ApplySnapshots(ctx, result.Updates, now)
	})
	if err != nil {
		return IncomingOrder{}, abort("create incoming order", err)
	}
	s.afterMutation(ctx, in.ColdStorageID, in.ActorID, now, "ledger:incoming:create", "incoming_order", order.ID, map[string]any{
		"voucher_number":   order.Voucher.Number,
		"farmer_account":   order.FarmerAccountID.String(),
		"contribution":     order.Contribution(),
		"snapshot_updates": updates,
	})
	return order, nil
}

// CreateOutgoingOrder withdraws bags from one or more receipts. Every
// decrement is validated before any is persisted.
func (s *Service) CreateOutgoingOrder(ctx context.Context, in CreateOutgoingInput) (OutgoingOrder, error) {
	if in.ColdStorageID == uuid.Nil {
		return OutgoingOrder{}, &ValidationError{Field: "coldStorageId", Reason: "required"}
	}
	if in.FarmerAccountID == uuid.Nil {
		return OutgoingOrder{}, &ValidationError{Field: "farmerAccount", Reason: "required"}
	}
	lines, err := normalizeOutgoingLines(in.Lines)
	if err != nil {
		return OutgoingOrder{}, err
	}

	insertedKey := false
	if s.idempotency != nil && in.IdempotencyKey != "" {
		if err := s.idempotency.Claim(ctx, in.ColdStorageID, idempotencyScope, in.IdempotencyKey); err != nil {
			return OutgoingOrder{}, err
		}
		insertedKey = true
	}

	now := s.now().UTC()
	order := OutgoingOrder{
		ID:               uuid.New(),
		ColdStorageID:    in.ColdStorageID,
		FarmerAccountID:  in.FarmerAccountID,
		Remarks:          in.Remarks,
		DateOfExtraction: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order.Lines = nil
		if err := tx.LockLedger(ctx, in.ColdStorageID); err != nil {
			return err
		}
		if err := checkFarmerAccount(ctx, tx, in.ColdStorageID, in.FarmerAccountID); err != nil {
			return err
		}
		state, err := loadState(ctx, tx, in.ColdStorageID)
		if err != nil {
			return err
		}
		ws := newWorkingSet(tx, state)
		for i, line := range lines {
			applied, err := ws.withdraw(ctx, line)
			if err != nil {
				return lineError(i, err)
			}
			order.Lines = append(order.Lines, applied)
		}
		voucher, err := nextVoucher(ctx, tx, in.ColdStorageID, VoucherDelivery)
		if err != nil {
			return err
		}
		order.Voucher = voucher
		if order.Seq, err = tx.NextSequence(ctx); err != nil {
			return err
		}
		order.CurrentStockAtThatTime = SumCurrentQuantity(IncomingRecords(state.Incoming)) - order.Removed()

		result := s.engine.Recompute(state, Mutation{Incoming: ws.orders(), Outgoing: &order})
		order = *result.Outgoing
		if err := tx.UpdateIncomingOrders(ctx, stamp(result.Incoming, now)); err != nil {
			return err
		}
		if err := tx.InsertOutgoingOrder(ctx, order); err != nil {
			return err
		}
		return tx.ApplySnapshots(ctx, result.Updates, now)
	})
	if err != nil {
		if insertedKey {
			if derr := s.idempotency.Release(ctx, in.ColdStorageID, idempotencyScope, in.IdempotencyKey); derr != nil {
				s.logger.Warn("idempotency key release failed", slog.Any("error", derr))
			}
		}
		return OutgoingOrder{}, abort("create outgoing order", err)
	}
	s.afterMutation(ctx, in.ColdStorageID, in.ActorID, now, "ledger:outgoing:create", "outgoing_order", order.ID, map[string]any{
		"voucher_number": order.Voucher.Number,
		"removed":        order.Removed(),
	})
	return order, nil
}

// EditOrder applies a partial update to either kind of order.
func (s *Service) EditOrder(ctx context.Context, coldStorageID, orderID uuid.UUID, update OrderUpdate, actorID string) (Record, error) {
	switch {
	case update.Incoming != nil && update.Outgoing != nil:
		return Record{}, &ValidationError{Field: "update", Reason: "must target exactly one order kind"}
	case update.Incoming != nil:
		o, err := s.EditIncomingOrder(ctx, coldStorageID, orderID, *update.Incoming, actorID)
		if err != nil {
			return Record{}, err
		}
		return IncomingRecord(o), nil
	case update.Outgoing != nil:
		o, err := s.EditOutgoingOrder(ctx, coldStorageID, orderID, *update.Outgoing, actorID)
		if err != nil {
			return Record{}, err
		}
		return OutgoingRecord(o), nil
	default:
		return Record{}, &ValidationError{Field: "update", Reason: "required"}
	}
}

// EditIncomingOrder updates a receipt and recomputes every later snapshot.
func (s *Service) EditIncomingOrder(ctx context.Context, coldStorageID, orderID uuid.UUID, update IncomingUpdate, actorID string) (IncomingOrder, error) {
	var items []LineItem
	if update.LineItems != nil {
		var err error
		if items, err = buildLineItems(update.LineItems); err != nil {
			return IncomingOrder{}, err
		}
	}
	if update.FarmerAccountID != nil && *update.FarmerAccountID == uuid.Nil {
		return IncomingOrder{}, &ValidationError{Field: "farmerAccount", Reason: "must not be empty"}
	}

	var updated IncomingOrder
	now := s.now().UTC()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockLedger(ctx, coldStorageID); err != nil {
			return err
		}
		existing, err := tx.GetIncomingOrder(ctx, orderID)
		if err != nil {
			return orderLookupError(err, "incoming order", orderID)
		}
		if existing.ColdStorageID != coldStorageID {
			return &UnauthorizedError{Entity: "incoming order", ID: orderID}
		}
		updated = existing.Clone()
		if update.Remarks != nil {
			updated.Remarks = *update.Remarks
		}
		if update.DateOfEntry != nil {
			updated.DateOfEntry = *update.DateOfEntry
		}
		if update.FarmerAccountID != nil && *update.FarmerAccountID != existing.FarmerAccountID {
			if err := checkFarmerAccount(ctx, tx, coldStorageID, *update.FarmerAccountID); err != nil {
				return err
			}
			updated.FarmerAccountID = *update.FarmerAccountID
		}
		if items != nil {
			updated.LineItems = items
		}
		updated.UpdatedAt = now

		state, err := loadState(ctx, tx, coldStorageID)
		if err != nil {
			return err
		}
		if err := checkDeliveriesFit(updated, state.Outgoing); err != nil {
			return err
		}
		result := s.engine.Recompute(state, Mutation{Incoming: []IncomingOrder{updated}, Edited: &existing})
		updated = result.Incoming[0]
		if err := tx.UpdateIncomingOrders(ctx, result.Incoming); err != nil {
			return err
		}
		return tx.ApplySnapshots(ctx, result.Updates, now)
	})
	if err != nil {
		return IncomingOrder{}, abort("edit incoming order", err)
	}
	s.afterMutation(ctx, coldStorageID, actorID, now, "ledger:incoming:edit", "incoming_order", orderID, map[string]any{
		"line_items_changed": items != nil,
		"contribution":       updated.Contribution(),
	})
	return updated, nil
}

// EditOutgoingOrder reverts the delivery's previous withdrawals, applies the
// new ones and recomputes the ledger.
func (s *Service) EditOutgoingOrder(ctx context.Context, coldStorageID, orderID uuid.UUID, update OutgoingUpdate, actorID string) (OutgoingOrder, error) {
	var lines []OutgoingLineInput
	if update.Lines != nil {
		var err error
		if lines, err = normalizeOutgoingLines(update.Lines); err != nil {
			return OutgoingOrder{}, err
		}
	}

	var updated OutgoingOrder
	now := s.now().UTC()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockLedger(ctx, coldStorageID); err != nil {
			return err
		}
		existing, err := tx.GetOutgoingOrder(ctx, orderID)
		if err != nil {
			return orderLookupError(err, "outgoing order", orderID)
		}
		if existing.ColdStorageID != coldStorageID {
			return &UnauthorizedError{Entity: "outgoing order", ID: orderID}
		}
		updated = existing
		if update.Remarks != nil {
			updated.Remarks = *update.Remarks
		}
		if update.DateOfExtraction != nil {
			updated.DateOfExtraction = *update.DateOfExtraction
		}
		updated.UpdatedAt = now

		state, err := loadState(ctx, tx, coldStorageID)
		if err != nil {
			return err
		}
		ws := newWorkingSet(tx, state)
		if lines != nil {
			if err := ws.revert(ctx, existing); err != nil {
				return err
			}
			updated.Lines = nil
			for i, line := range lines {
				applied, err := ws.withdraw(ctx, line)
				if err != nil {
					return lineError(i, err)
				}
				updated.Lines = append(updated.Lines, applied)
			}
		}
		result := s.engine.Recompute(state, Mutation{Incoming: ws.orders(), Outgoing: &updated})
		updated = *result.Outgoing
		if err := tx.UpdateIncomingOrders(ctx, stamp(result.Incoming, now)); err != nil {
			return err
		}
		if err := tx.UpdateOutgoingOrder(ctx, updated); err != nil {
			return err
		}
		return tx.ApplySnapshots(ctx, result.Updates, now)
	})
	if err != nil {
		return OutgoingOrder{}, abort("edit outgoing order", err)
	}
	s.afterMutation(ctx, coldStorageID, actorID, now, "ledger:outgoing:edit", "outgoing_order", orderID, map[string]any{
		"lines_changed": lines != nil,
		"removed":       updated.Removed(),
	})
	return updated, nil
}

// DeleteOutgoingOrder returns the withdrawn bags to their receipts, removes
// the delivery and recomputes the ledger.
func (s *Service) DeleteOutgoingOrder(ctx context.Context, coldStorageID, orderID uuid.UUID, actorID string) error {
	var removed int64
	now := s.now().UTC()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockLedger(ctx, coldStorageID); err != nil {
			return err
		}
		existing, err := tx.GetOutgoingOrder(ctx, orderID)
		if err != nil {
			return orderLookupError(err, "outgoing order", orderID)
		}
		if existing.ColdStorageID != coldStorageID {
			return &UnauthorizedError{Entity: "outgoing order", ID: orderID}
		}
		removed = existing.Removed()
		state, err := loadState(ctx, tx, coldStorageID)
		if err != nil {
			return err
		}
		ws := newWorkingSet(tx, state)
		if err := ws.revert(ctx, existing); err != nil {
			return err
		}
		result := s.engine.Recompute(state, Mutation{Incoming: ws.orders(), DeletedOutgoing: orderID})
		if err := tx.UpdateIncomingOrders(ctx, stamp(result.Incoming, now)); err != nil {
			return err
		}
		if err := tx.DeleteOutgoingOrder(ctx, orderID); err != nil {
			return err
		}
		return tx.ApplySnapshots(ctx, result.Updates, now)
	})
	if err != nil {
		return abort("delete outgoing order", err)
	}
	s.afterMutation(ctx, coldStorageID, actorID, now, "ledger:outgoing:delete", "outgoing_order", orderID, map[string]any{
		"restored": removed,
	})
	return nil
}

// RebuildSnapshots re-walks the whole ledger with no pending change and
// persists any drifted snapshot. It returns the number of rows rewritten.
func (s *Service) RebuildSnapshots(ctx context.Context, coldStorageID uuid.UUID) (int, error) {
	var changed int
	now := s.now().UTC()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockLedger(ctx, coldStorageID); err != nil {
			return err
		}
		state, err := loadState(ctx, tx, coldStorageID)
		if err != nil {
			return err
		}
		result := s.engine.Recompute(state, Mutation{})
		changed = len(result.Updates)
		return tx.ApplySnapshots(ctx, result.Updates, now)
	})
	if err != nil {
		return 0, abort("rebuild snapshots", err)
	}
	if changed > 0 {
		s.bumpCache(ctx, coldStorageID)
	}
	return changed, nil
}

// ColdStorageIDs lists every tenant that has ledger data.
func (s *Service) ColdStorageIDs(ctx context.Context) ([]uuid.UUID, error) {
	return s.repo.ListColdStorageIDs(ctx)
}

// GetStockSummary groups current stock by variety and size.
func (s *Service) GetStockSummary(ctx context.Context, coldStorageID uuid.UUID, filter SummaryFilter) ([]VarietySummary, error) {
	if coldStorageID == uuid.Nil {
		return nil, &ValidationError{Field: "coldStorageId", Reason: "required"}
	}
	filter.Variety = NormalizeVariety(filter.Variety)
	key, err := s.cache.BuildKey(ctx, coldStorageID, "summary", summaryKey(filter))
	if err != nil {
		s.logger.Warn("ledger cache key failed", slog.Any("error", err))
		return s.loadStockSummary(ctx, coldStorageID, filter)
	}
	var out []VarietySummary
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		return s.loadStockSummary(ctx, coldStorageID, filter)
	})
	return out, err
}

func (s *Service) loadStockSummary(ctx context.Context, coldStorageID uuid.UUID, filter SummaryFilter) ([]VarietySummary, error) {
	orders, err := s.repo.ListIncomingOrders(ctx, coldStorageID)
	if err != nil {
		return nil, err
	}
	rf := RecordFilter{Variety: filter.Variety, From: filter.From, To: filter.To}
	rf.FarmerAccountIDs = append(rf.FarmerAccountIDs, filter.FarmerAccountIDs...)
	if filter.FarmerProfileID != uuid.Nil {
		ids, err := s.repo.ListFarmerAccountIDsByProfile(ctx, coldStorageID, filter.FarmerProfileID)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return []VarietySummary{}, nil
		}
		rf.FarmerAccountIDs = append(rf.FarmerAccountIDs, ids...)
	}
	return Summaries(GroupByVarietyAndSize(Filter(IncomingRecords(orders), rf))), nil
}

// GetStockTrend returns month-end stock totals from the month of from up to
// the current month. Months without activity carry the previous total.
func (s *Service) GetStockTrend(ctx context.Context, coldStorageID uuid.UUID, from time.Time) ([]TrendPoint, error) {
	if coldStorageID == uuid.Nil {
		return nil, &ValidationError{Field: "coldStorageId", Reason: "required"}
	}
	now := s.now().UTC()
	if from.IsZero() {
		from = now.AddDate(-1, 0, 0)
	}
	from = time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	if from.After(now) {
		return nil, &ValidationError{Field: "fromDate", Reason: "must not be in the future"}
	}
	key, err := s.cache.BuildKey(ctx, coldStorageID, "trend", from.Format("2006-01"), now.Format("2006-01"))
	if err != nil {
		s.logger.Warn("ledger cache key failed", slog.Any("error", err))
		return s.loadStockTrend(ctx, coldStorageID, from, now)
	}
	var out []TrendPoint
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		return s.loadStockTrend(ctx, coldStorageID, from, now)
	})
	return out, err
}

func (s *Service) loadStockTrend(ctx context.Context, coldStorageID uuid.UUID, from, now time.Time) ([]TrendPoint, error) {
	incoming, outgoing, err := s.loadHistory(ctx, coldStorageID)
	if err != nil {
		return nil, err
	}
	withdrawn := withdrawnByIncoming(outgoing)
	records := append(IncomingRecords(incoming), OutgoingRecords(outgoing)...)
	SortChronological(records)

	var points []TrendPoint
	var running int64
	idx := 0
	end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	for month := from; !month.After(end); month = month.AddDate(0, 1, 0) {
		next := month.AddDate(0, 1, 0)
		for idx < len(records) && records[idx].CreatedAt().Before(next) {
			r := records[idx]
			switch r.Direction {
			case DirectionIncoming:
				running += r.Incoming.Contribution() + withdrawn[r.Incoming.ID]
			case DirectionOutgoing:
				running -= r.Outgoing.Removed()
			}
			idx++
		}
		points = append(points, TrendPoint{Month: month.Format("Jan 06"), TotalStock: running})
	}
	return points, nil
}

// TopFarmers ranks farmer accounts by total deposited bags.
func (s *Service) TopFarmers(ctx context.Context, coldStorageID uuid.UUID, limit int) ([]FarmerRanking, error) {
	if limit <= 0 {
		limit = DefaultTopFarmers
	}
	orders, err := s.repo.ListIncomingOrders(ctx, coldStorageID)
	if err != nil {
		return nil, err
	}
	byFarmer := make(map[uuid.UUID]*FarmerRanking)
	for _, o := range orders {
		r, ok := byFarmer[o.FarmerAccountID]
		if !ok {
			r = &FarmerRanking{FarmerAccountID: o.FarmerAccountID, BagSummary: make(map[string]int64)}
			byFarmer[o.FarmerAccountID] = r
		}
		for _, item := range o.LineItems {
			for _, bag := range item.BagSizes {
				r.TotalBags += bag.Quantity.Initial
				r.BagSummary[bag.Size] += bag.Quantity.Initial
			}
		}
	}
	out := make([]FarmerRanking, 0, len(byFarmer))
	for _, r := range byFarmer {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalBags != out[j].TotalBags {
			return out[i].TotalBags > out[j].TotalBags
		}
		return out[i].FarmerAccountID.String() < out[j].FarmerAccountID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindIncomingByVoucher looks a receipt up by voucher number.
func (s *Service) FindIncomingByVoucher(ctx context.Context, coldStorageID uuid.UUID, number int64) (IncomingOrder, error) {
	if number <= 0 {
		return IncomingOrder{}, &ValidationError{Field: "voucherNumber", Reason: "must be positive"}
	}
	o, err := s.repo.FindIncomingByVoucher(ctx, coldStorageID, number)
	if errors.Is(err, ErrOrderNotFound) {
		return IncomingOrder{}, &NotFoundError{Entity: "receipt voucher", ID: strconv.FormatInt(number, 10)}
	}
	if err != nil {
		return IncomingOrder{}, err
	}
	return o, nil
}

// DayBook pages through the tenant's records, newest first unless
// OldestFirst is set.
func (s *Service) DayBook(ctx context.Context, coldStorageID uuid.UUID, filter DayBookFilter) ([]Record, shared.Pagination, error) {
	records, err := s.loadRecords(ctx, coldStorageID, filter.Type)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	SortChronological(records)
	if !filter.OldestFirst {
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
	}
	records, page := shared.Paginate(records, filter.Page, filter.PerPage)
	return records, page, nil
}

// FarmerOrders lists the receipts and deliveries of the given farmer
// accounts, oldest first. typ narrows the listing like the day book does.
func (s *Service) FarmerOrders(ctx context.Context, coldStorageID uuid.UUID, accountIDs []uuid.UUID, typ DayBookType) ([]Record, error) {
	if coldStorageID == uuid.Nil {
		return nil, &ValidationError{Field: "coldStorageId", Reason: "required"}
	}
	if len(accountIDs) == 0 {
		return nil, &ValidationError{Field: "farmerAccount", Reason: "required"}
	}
	records, err := s.loadRecords(ctx, coldStorageID, typ)
	if err != nil {
		return nil, err
	}
	records = Filter(records, RecordFilter{FarmerAccountIDs: accountIDs})
	SortChronological(records)
	return records, nil
}

// FarmerVarieties reports the varieties and bag sizes a farmer account still
// has in store, which is what a delivery may draw from.
func (s *Service) FarmerVarieties(ctx context.Context, coldStorageID, accountID uuid.UUID) ([]VarietySummary, error) {
	if coldStorageID == uuid.Nil {
		return nil, &ValidationError{Field: "coldStorageId", Reason: "required"}
	}
	if accountID == uuid.Nil {
		return nil, &ValidationError{Field: "farmerAccount", Reason: "required"}
	}
	orders, err := s.repo.ListIncomingOrders(ctx, coldStorageID)
	if err != nil {
		return nil, err
	}
	records := Filter(IncomingRecords(orders), RecordFilter{FarmerAccountIDs: []uuid.UUID{accountID}})
	return Summaries(InStock(GroupByVarietyAndSize(records))), nil
}

func (s *Service) loadRecords(ctx context.Context, coldStorageID uuid.UUID, typ DayBookType) ([]Record, error) {
	switch typ {
	case DayBookIncoming:
		orders, err := s.repo.ListIncomingOrders(ctx, coldStorageID)
		if err != nil {
			return nil, err
		}
		return IncomingRecords(orders), nil
	case DayBookOutgoing:
		orders, err := s.repo.ListOutgoingOrders(ctx, coldStorageID)
		if err != nil {
			return nil, err
		}
		return OutgoingRecords(orders), nil
	case DayBookAll, "":
		incoming, outgoing, err := s.loadHistory(ctx, coldStorageID)
		if err != nil {
			return nil, err
		}
		return append(IncomingRecords(incoming), OutgoingRecords(outgoing)...), nil
	default:
		return nil, &ValidationError{Field: "type", Reason: "must be all, incoming or outgoing"}
	}
}

func (s *Service) loadHistory(ctx context.Context, coldStorageID uuid.UUID) ([]IncomingOrder, []OutgoingOrder, error) {
	var (
		incoming []IncomingOrder
		outgoing []OutgoingOrder
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		incoming, err = s.repo.ListIncomingOrders(gctx, coldStorageID)
		return err
	})
	g.Go(func() error {
		var err error
		outgoing, err = s.repo.ListOutgoingOrders(gctx, coldStorageID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return incoming, outgoing, nil
}

func (s *Service) afterMutation(ctx context.Context, coldStorageID uuid.UUID, actorID string, at time.Time, action, entity string, id uuid.UUID, meta map[string]any) {
	s.bumpCache(ctx, coldStorageID)
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ColdStorageID: coldStorageID,
		ActorID:       actorID,
		Action:        action,
		Entity:        entity,
		EntityID:      id,
		Meta:          meta,
		At:            at,
	})
	if err != nil {
		s.logger.Warn("ledger audit failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) bumpCache(ctx context.Context, coldStorageID uuid.UUID) {
	if err := s.cache.Bump(ctx, coldStorageID); err != nil {
		s.logger.Warn("ledger cache bump failed",
			slog.String("cold_storage_id", coldStorageID.String()), slog.Any("error", err))
	}
}

func loadState(ctx context.Context, tx TxRepository, coldStorageID uuid.UUID) (LedgerState, error) {
	incoming, err := tx.ListIncomingOrders(ctx, coldStorageID)
	if err != nil {
		return LedgerState{}, err
	}
	outgoing, err := tx.ListOutgoingOrders(ctx, coldStorageID)
	if err != nil {
		return LedgerState{}, err
	}
	profiles, err := tx.ListFarmerProfiles(ctx, coldStorageID)
	if err != nil {
		return LedgerState{}, err
	}
	return LedgerState{ColdStorageID: coldStorageID, Incoming: incoming, Outgoing: outgoing, Profiles: profiles}, nil
}

func checkFarmerAccount(ctx context.Context, tx TxRepository, coldStorageID, accountID uuid.UUID) error {
	account, err := tx.GetFarmerAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.ColdStorageID != coldStorageID {
		return &UnauthorizedError{Entity: "farmer account", ID: accountID}
	}
	return nil
}

func nextVoucher(ctx context.Context, tx TxRepository, coldStorageID uuid.UUID, typ VoucherType) (Voucher, error) {
	n, err := tx.NextVoucherNumber(ctx, coldStorageID, typ)
	if err != nil {
		return Voucher{}, err
	}
	v := Voucher{Type: typ, Number: n}
	exists, err := tx.VoucherExists(ctx, coldStorageID, v)
	if err != nil {
		return Voucher{}, err
	}
	if exists {
		return Voucher{}, &DuplicateVoucherError{Voucher: v}
	}
	return v, nil
}

func buildLineItems(inputs []LineItemInput) ([]LineItem, error) {
	if len(inputs) == 0 {
		return nil, &ValidationError{Field: "lineItems", Reason: "at least one line item required"}
	}
	items := make([]LineItem, 0, len(inputs))
	for i, in := range inputs {
		variety := NormalizeVariety(in.Variety)
		if variety == "" {
			return nil, &ValidationError{Field: "variety", Reason: "required", Line: i + 1}
		}
		bags, err := BuildBagSizes(in.BagSizes)
		if err != nil {
			return nil, err
		}
		items = append(items, LineItem{Variety: variety, BagSizes: bags})
	}
	return items, nil
}

// normalizeOutgoingLines validates withdrawal requests and drops zero
// removals. At least one positive removal must remain.
func normalizeOutgoingLines(lines []OutgoingLineInput) ([]OutgoingLineInput, error) {
	if len(lines) == 0 {
		return nil, &ValidationError{Field: "orderDetails", Reason: "at least one line required"}
	}
	out := make([]OutgoingLineInput, 0, len(lines))
	for i, line := range lines {
		if line.IncomingOrderID == uuid.Nil {
			return nil, &ValidationError{Field: "incomingOrderId", Reason: "required", Line: i + 1}
		}
		variety := NormalizeVariety(line.Variety)
		if variety == "" {
			return nil, &ValidationError{Field: "variety", Reason: "required", Line: i + 1}
		}
		kept := OutgoingLineInput{IncomingOrderID: line.IncomingOrderID, Variety: variety}
		for _, bu := range line.BagUpdates {
			if bu.Size == "" {
				return nil, &ValidationError{Field: "bagUpdates.size", Reason: "required", Line: i + 1}
			}
			if bu.QuantityToRemove < 0 {
				return nil, &ValidationError{Field: "bagUpdates.quantityToRemove", Reason: "must not be negative", Line: i + 1}
			}
			if bu.QuantityToRemove == 0 {
				continue
			}
			kept.BagUpdates = append(kept.BagUpdates, bu)
		}
		if len(kept.BagUpdates) > 0 {
			out = append(out, kept)
		}
	}
	if len(out) == 0 {
		return nil, &ValidationError{Field: "orderDetails", Reason: "at least one non-zero quantity required"}
	}
	return out, nil
}

func orderLookupError(err error, entity string, id uuid.UUID) error {
	if errors.Is(err, ErrOrderNotFound) {
		return &NotFoundError{Entity: entity, ID: id.String()}
	}
	return err
}

func lineError(i int, err error) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		if verr.Line == 0 {
			verr.Line = i + 1
		}
		return err
	}
	return fmt.Errorf("line %d: %w", i+1, err)
}

func stamp(orders []IncomingOrder, at time.Time) []IncomingOrder {
	for i := range orders {
		orders[i].UpdatedAt = at
	}
	return orders
}

func summaryKey(f SummaryFilter) string {
	key := f.Variety + "|" + f.FarmerProfileID.String()
	for _, id := range f.FarmerAccountIDs {
		key += "|" + id.String()
	}
	if !f.From.IsZero() {
		key += "|from=" + f.From.UTC().Format(time.RFC3339)
	}
	if !f.To.IsZero() {
		key += "|to=" + f.To.UTC().Format(time.RFC3339)
	}
	return key
}
