package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coldstore/ledger/internal/shared"
)

type memoryRepo struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]FarmerAccount
	incoming map[uuid.UUID]IncomingOrder
	outgoing map[uuid.UUID]OutgoingOrder
	counters map[string]int64
	seq      int64

	locks             int
	failOutgoingWrite error
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		accounts: make(map[uuid.UUID]FarmerAccount),
		incoming: make(map[uuid.UUID]IncomingOrder),
		outgoing: make(map[uuid.UUID]OutgoingOrder),
		counters: make(map[string]int64),
	}
}

func (r *memoryRepo) addFarmer(tenant, profile uuid.UUID) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.accounts[id] = FarmerAccount{ID: id, ProfileID: profile, ColdStorageID: tenant}
	return id
}

// snapshot copies every table so a failed transaction can be rolled back.
func (r *memoryRepo) snapshot() *memoryRepo {
	cp := newMemoryRepo()
	for k, v := range r.accounts {
		cp.accounts[k] = v
	}
	for k, v := range r.incoming {
		cp.incoming[k] = v.Clone()
	}
	for k, v := range r.outgoing {
		cp.outgoing[k] = cloneOutgoing(v)
	}
	for k, v := range r.counters {
		cp.counters[k] = v
	}
	cp.seq = r.seq
	return cp
}

func (r *memoryRepo) restore(cp *memoryRepo) {
	r.accounts = cp.accounts
	r.incoming = cp.incoming
	r.outgoing = cp.outgoing
	r.counters = cp.counters
	r.seq = cp.seq
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := r.snapshot()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.restore(saved)
		return err
	}
	return nil
}

func (r *memoryRepo) ListIncomingOrders(ctx context.Context, coldStorageID uuid.UUID) ([]IncomingOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.incomingOf(coldStorageID), nil
}

func (r *memoryRepo) ListOutgoingOrders(ctx context.Context, coldStorageID uuid.UUID) ([]OutgoingOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outgoingOf(coldStorageID), nil
}

func (r *memoryRepo) FindIncomingByVoucher(ctx context.Context, coldStorageID uuid.UUID, number int64) (IncomingOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.incoming {
		if o.ColdStorageID == coldStorageID && o.Voucher.Number == number {
			return o.Clone(), nil
		}
	}
	return IncomingOrder{}, ErrOrderNotFound
}

func (r *memoryRepo) ListFarmerAccountIDsByProfile(ctx context.Context, coldStorageID, profileID uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for _, a := range r.accounts {
		if a.ColdStorageID == coldStorageID && a.ProfileID == profileID {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

func (r *memoryRepo) ListColdStorageIDs(ctx context.Context) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, o := range r.incoming {
		if _, ok := seen[o.ColdStorageID]; ok {
			continue
		}
		seen[o.ColdStorageID] = struct{}{}
		ids = append(ids, o.ColdStorageID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (r *memoryRepo) incomingOf(tenant uuid.UUID) []IncomingOrder {
	var out []IncomingOrder
	for _, o := range r.incoming {
		if o.ColdStorageID == tenant {
			out = append(out, o.Clone())
		}
	}
	sortIncomingChronological(out)
	return out
}

func (r *memoryRepo) outgoingOf(tenant uuid.UUID) []OutgoingOrder {
	var out []OutgoingOrder
	for _, o := range r.outgoing {
		if o.ColdStorageID == tenant {
			out = append(out, cloneOutgoing(o))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return chronoLess(out[i].CreatedAt, out[i].Seq, out[j].CreatedAt, out[j].Seq)
	})
	return out
}

// setIncoming overwrites a stored receipt, bypassing the service.
func (r *memoryRepo) setIncoming(o IncomingOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incoming[o.ID] = o.Clone()
}

func (r *memoryRepo) getIncoming(id uuid.UUID) IncomingOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.incoming[id].Clone()
}

func (r *memoryRepo) getOutgoing(id uuid.UUID) (OutgoingOrder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outgoing[id]
	return cloneOutgoing(o), ok
}

func cloneOutgoing(o OutgoingOrder) OutgoingOrder {
	out := o
	out.Lines = make([]OutgoingLine, len(o.Lines))
	for i, line := range o.Lines {
		line.BagSizes = append([]RemovedBag(nil), line.BagSizes...)
		line.Incoming.BagSizes = append([]BagSize(nil), line.Incoming.BagSizes...)
		out.Lines[i] = line
	}
	return out
}

func (tx *memoryTx) LockLedger(ctx context.Context, coldStorageID uuid.UUID) error {
	tx.repo.locks++
	return nil
}

func (tx *memoryTx) NextVoucherNumber(ctx context.Context, coldStorageID uuid.UUID, typ VoucherType) (int64, error) {
	key := coldStorageID.String() + ":" + string(typ)
	tx.repo.counters[key]++
	return tx.repo.counters[key], nil
}

func (tx *memoryTx) NextSequence(ctx context.Context) (int64, error) {
	tx.repo.seq++
	return tx.repo.seq, nil
}

func (tx *memoryTx) VoucherExists(ctx context.Context, coldStorageID uuid.UUID, v Voucher) (bool, error) {
	if v.Type == VoucherReceipt {
		for _, o := range tx.repo.incoming {
			if o.ColdStorageID == coldStorageID && o.Voucher.Number == v.Number {
				return true, nil
			}
		}
		return false, nil
	}
	for _, o := range tx.repo.outgoing {
		if o.ColdStorageID == coldStorageID && o.Voucher.Number == v.Number {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) GetFarmerAccount(ctx context.Context, id uuid.UUID) (FarmerAccount, error) {
	a, ok := tx.repo.accounts[id]
	if !ok {
		return FarmerAccount{}, &NotFoundError{Entity: "farmer account", ID: id.String()}
	}
	return a, nil
}

func (tx *memoryTx) ListFarmerProfiles(ctx context.Context, coldStorageID uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	out := make(map[uuid.UUID]uuid.UUID)
	for _, a := range tx.repo.accounts {
		if a.ColdStorageID == coldStorageID {
			out[a.ID] = a.ProfileID
		}
	}
	return out, nil
}

func (tx *memoryTx) ListIncomingOrders(ctx context.Context, coldStorageID uuid.UUID) ([]IncomingOrder, error) {
	return tx.repo.incomingOf(coldStorageID), nil
}

func (tx *memoryTx) ListOutgoingOrders(ctx context.Context, coldStorageID uuid.UUID) ([]OutgoingOrder, error) {
	return tx.repo.outgoingOf(coldStorageID), nil
}

func (tx *memoryTx) GetIncomingOrder(ctx context.Context, id uuid.UUID) (IncomingOrder, error) {
	o, ok := tx.repo.incoming[id]
	if !ok {
		return IncomingOrder{}, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (tx *memoryTx) GetOutgoingOrder(ctx context.Context, id uuid.UUID) (OutgoingOrder, error) {
	o, ok := tx.repo.outgoing[id]
	if !ok {
		return OutgoingOrder{}, ErrOrderNotFound
	}
	return cloneOutgoing(o), nil
}

func (tx *memoryTx) InsertIncomingOrder(ctx context.Context, o IncomingOrder) error {
	if exists, _ := tx.VoucherExists(ctx, o.ColdStorageID, o.Voucher); exists {
		return &DuplicateVoucherError{Voucher: o.Voucher}
	}
	tx.repo.incoming[o.ID] = o.Clone()
	return nil
}

func (tx *memoryTx) UpdateIncomingOrders(ctx context.Context, orders []IncomingOrder) error {
	for _, o := range orders {
		if _, ok := tx.repo.incoming[o.ID]; !ok {
			return ErrOrderNotFound
		}
		tx.repo.incoming[o.ID] = o.Clone()
	}
	return nil
}

func (tx *memoryTx) InsertOutgoingOrder(ctx context.Context, o OutgoingOrder) error {
	if tx.repo.failOutgoingWrite != nil {
		return tx.repo.failOutgoingWrite
	}
	if exists, _ := tx.VoucherExists(ctx, o.ColdStorageID, o.Voucher); exists {
		return &DuplicateVoucherError{Voucher: o.Voucher}
	}
	tx.repo.outgoing[o.ID] = cloneOutgoing(o)
	return nil
}

func (tx *memoryTx) UpdateOutgoingOrder(ctx context.Context, o OutgoingOrder) error {
	if tx.repo.failOutgoingWrite != nil {
		return tx.repo.failOutgoingWrite
	}
	if _, ok := tx.repo.outgoing[o.ID]; !ok {
		return ErrOrderNotFound
	}
	tx.repo.outgoing[o.ID] = cloneOutgoing(o)
	return nil
}

func (tx *memoryTx) DeleteOutgoingOrder(ctx context.Context, id uuid.UUID) error {
	if _, ok := tx.repo.outgoing[id]; !ok {
		return ErrOrderNotFound
	}
	delete(tx.repo.outgoing, id)
	return nil
}

func (tx *memoryTx) ApplySnapshots(ctx context.Context, updates []SnapshotUpdate, at time.Time) error {
	for _, u := range updates {
		switch u.Direction {
		case DirectionIncoming:
			o, ok := tx.repo.incoming[u.ID]
			if !ok {
				return ErrOrderNotFound
			}
			o.CurrentStockAtThatTime = u.CurrentStockAtThatTime
			if u.FarmerCurrentStockAtThatTime != nil {
				o.FarmerCurrentStockAtThatTime = *u.FarmerCurrentStockAtThatTime
			}
			o.UpdatedAt = at
			tx.repo.incoming[u.ID] = o
		case DirectionOutgoing:
			o, ok := tx.repo.outgoing[u.ID]
			if !ok {
				return ErrOrderNotFound
			}
			o.CurrentStockAtThatTime = u.CurrentStockAtThatTime
			o.UpdatedAt = at
			tx.repo.outgoing[u.ID] = o
		}
	}
	return nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type memoryIdempotency struct {
	keys map[string]struct{}
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: make(map[string]struct{})}
}

func (m *memoryIdempotency) Claim(ctx context.Context, coldStorageID uuid.UUID, scope, key string) error {
	k := coldStorageID.String() + "/" + scope + "/" + key
	if _, ok := m.keys[k]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[k] = struct{}{}
	return nil
}

func (m *memoryIdempotency) Release(ctx context.Context, coldStorageID uuid.UUID, scope, key string) error {
	delete(m.keys, coldStorageID.String()+"/"+scope+"/"+key)
	return nil
}

// stepClock advances by step on every call so records get distinct times.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newStepClock(start time.Time) *stepClock {
	return &stepClock{now: start, step: time.Minute}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}
