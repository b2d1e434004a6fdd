package ledger

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Strategy selects how incoming snapshots are recomputed after an edit.
type Strategy string

const (
	// StrategyFullRewalk walks every receipt in (createdAt, seq) order.
	StrategyFullRewalk Strategy = "full"
	// StrategyDeltaPropagation adds the contribution delta of one edited
	// receipt to every receipt with a later voucher number. It is only
	// applied when voucher order matches chronological order.
	StrategyDeltaPropagation Strategy = "delta"
)

// ParseStrategy maps a config value to a Strategy, defaulting to full.
func ParseStrategy(v string) Strategy {
	if Strategy(v) == StrategyDeltaPropagation {
		return StrategyDeltaPropagation
	}
	return StrategyFullRewalk
}

// RecomputeObserver receives engine metrics.
type RecomputeObserver interface {
	ObserveRecompute(strategy string, elapsed time.Duration, rowsChanged int)
	DeltaFallback(reason string)
}

// LedgerState is the persisted history of one cold storage.
type LedgerState struct {
	ColdStorageID uuid.UUID
	Incoming      []IncomingOrder
	Outgoing      []OutgoingOrder
	// Profiles maps farmer account id to farmer profile id.
	Profiles map[uuid.UUID]uuid.UUID
}

// Mutation is the pending, not yet persisted, change to a ledger.
type Mutation struct {
	// Incoming holds the in-memory state of receipts being created or
	// changed. Their values win over LedgerState.
	Incoming []IncomingOrder
	// Edited is the persisted state of a single edited receipt, required
	// by delta propagation.
	Edited *IncomingOrder
	// Outgoing is a delivery being created or changed.
	Outgoing *OutgoingOrder
	// DeletedOutgoing drops a delivery from the walk.
	DeletedOutgoing uuid.UUID
}

// RecomputeResult carries the recomputed snapshots.
type RecomputeResult struct {
	// Incoming are the mutated receipts with fresh snapshots, for the caller
	// to persist alongside their other changes.
	Incoming []IncomingOrder
	// Outgoing is the mutated delivery with a fresh snapshot.
	Outgoing *OutgoingOrder
	// Updates lists the other persisted records whose snapshot changed.
	Updates  []SnapshotUpdate
	Strategy Strategy
}

// Engine recomputes currentStockAtThatTime snapshots for one ledger.
type Engine struct {
	strategy Strategy
	logger   *slog.Logger
	observer RecomputeObserver
}

// NewEngine builds an Engine. A nil logger falls back to slog.Default.
func NewEngine(strategy Strategy, logger *slog.Logger, observer RecomputeObserver) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if strategy == "" {
		strategy = StrategyFullRewalk
	}
	return &Engine{strategy: strategy, logger: logger, observer: observer}
}

// Strategy returns the configured strategy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// Recompute applies the mutation to the state in memory and derives every
// snapshot. It performs no I/O.
func (e *Engine) Recompute(state LedgerState, m Mutation) RecomputeResult {
	start := time.Now()
	incoming := mergeIncoming(state.Incoming, m.Incoming)
	outgoing := mergeOutgoing(state.Outgoing, m.Outgoing, m.DeletedOutgoing)
	mutatedIn := make(map[uuid.UUID]struct{}, len(m.Incoming))
	for _, o := range m.Incoming {
		mutatedIn[o.ID] = struct{}{}
	}

	strategy := StrategyFullRewalk
	var snaps map[uuid.UUID]incomingSnap
	if e.strategy == StrategyDeltaPropagation && m.Edited != nil {
		var reason string
		snaps, reason = deltaSnapshots(state, m, incoming)
		if snaps != nil {
			strategy = StrategyDeltaPropagation
		} else {
			e.logger.Warn("delta propagation unavailable, falling back to full re-walk",
				slog.String("cold_storage_id", state.ColdStorageID.String()),
				slog.String("reason", reason))
			if e.observer != nil {
				e.observer.DeltaFallback(reason)
			}
		}
	}
	if snaps == nil {
		snaps = rewalkIncoming(incoming, state.Profiles)
	}
	outSnaps := rewalkOutgoing(incoming, outgoing)

	result := RecomputeResult{Strategy: strategy}
	for _, o := range incoming {
		s := snaps[o.ID]
		if _, ok := mutatedIn[o.ID]; ok {
			o.CurrentStockAtThatTime = s.total
			o.FarmerCurrentStockAtThatTime = s.farmer
			result.Incoming = append(result.Incoming, o)
			continue
		}
		if o.CurrentStockAtThatTime == s.total && o.FarmerCurrentStockAtThatTime == s.farmer {
			continue
		}
		farmer := s.farmer
		result.Updates = append(result.Updates, SnapshotUpdate{
			ID:                           o.ID,
			Direction:                    DirectionIncoming,
			CurrentStockAtThatTime:       s.total,
			FarmerCurrentStockAtThatTime: &farmer,
		})
	}
	for _, o := range outgoing {
		snap := outSnaps[o.ID]
		if m.Outgoing != nil && o.ID == m.Outgoing.ID {
			o.CurrentStockAtThatTime = snap
			result.Outgoing = &o
			continue
		}
		if o.CurrentStockAtThatTime == snap {
			continue
		}
		result.Updates = append(result.Updates, SnapshotUpdate{
			ID:                     o.ID,
			Direction:              DirectionOutgoing,
			CurrentStockAtThatTime: snap,
		})
	}

	if e.observer != nil {
		e.observer.ObserveRecompute(string(strategy), time.Since(start), len(result.Updates))
	}
	return result
}

type incomingSnap struct {
	total  int64
	farmer int64
}

// rewalkIncoming assigns each receipt the running total of current bags up
// to and including itself, overall and per farmer profile.
func rewalkIncoming(incoming []IncomingOrder, profiles map[uuid.UUID]uuid.UUID) map[uuid.UUID]incomingSnap {
	ordered := append([]IncomingOrder(nil), incoming...)
	sortIncomingChronological(ordered)
	out := make(map[uuid.UUID]incomingSnap, len(ordered))
	perProfile := make(map[uuid.UUID]int64)
	var cumulative int64
	for _, o := range ordered {
		c := o.Contribution()
		cumulative += c
		profile := profileOf(profiles, o.FarmerAccountID)
		perProfile[profile] += c
		out[o.ID] = incomingSnap{total: cumulative, farmer: perProfile[profile]}
	}
	return out
}

// rewalkOutgoing interleaves receipts and deliveries chronologically. A
// receipt counts with its gross quantity, current plus everything withdrawn
// from it, so each withdrawal is netted exactly once at its own position.
func rewalkOutgoing(incoming []IncomingOrder, outgoing []OutgoingOrder) map[uuid.UUID]int64 {
	out := make(map[uuid.UUID]int64, len(outgoing))
	if len(outgoing) == 0 {
		return out
	}
	withdrawn := withdrawnByIncoming(outgoing)
	records := make([]Record, 0, len(incoming)+len(outgoing))
	records = append(records, IncomingRecords(incoming)...)
	records = append(records, OutgoingRecords(outgoing)...)
	SortChronological(records)

	var gross, removed int64
	for _, r := range records {
		switch r.Direction {
		case DirectionIncoming:
			gross += r.Incoming.Contribution() + withdrawn[r.Incoming.ID]
		case DirectionOutgoing:
			removed += r.Outgoing.Removed()
			out[r.Outgoing.ID] = gross - removed
		}
	}
	return out
}

func withdrawnByIncoming(outgoing []OutgoingOrder) map[uuid.UUID]int64 {
	withdrawn := make(map[uuid.UUID]int64)
	for _, o := range outgoing {
		for _, line := range o.Lines {
			for _, bag := range line.BagSizes {
				withdrawn[line.IncomingOrderID] += bag.QuantityRemoved
			}
		}
	}
	return withdrawn
}

// deltaSnapshots returns nil with a reason when the guard rejects the
// mutation.
func deltaSnapshots(state LedgerState, m Mutation, incoming []IncomingOrder) (map[uuid.UUID]incomingSnap, string) {
	if len(m.Incoming) != 1 || m.Incoming[0].ID != m.Edited.ID {
		return nil, "mutation is not a single receipt edit"
	}
	if m.Outgoing != nil || m.DeletedOutgoing != uuid.Nil {
		return nil, "mutation changes deliveries"
	}
	edited := m.Incoming[0]
	prev := *m.Edited
	if profileOf(state.Profiles, edited.FarmerAccountID) != profileOf(state.Profiles, prev.FarmerAccountID) {
		return nil, "farmer profile changed"
	}
	if !voucherOrderIsChronological(incoming) {
		return nil, "voucher order differs from chronological order"
	}

	diff := edited.Contribution() - prev.Contribution()
	profile := profileOf(state.Profiles, edited.FarmerAccountID)
	out := make(map[uuid.UUID]incomingSnap, len(incoming))
	for _, o := range incoming {
		s := incomingSnap{total: o.CurrentStockAtThatTime, farmer: o.FarmerCurrentStockAtThatTime}
		if o.ID == edited.ID {
			s = incomingSnap{total: prev.CurrentStockAtThatTime + diff, farmer: prev.FarmerCurrentStockAtThatTime + diff}
		} else if o.Voucher.Number > edited.Voucher.Number {
			s.total += diff
			if profileOf(state.Profiles, o.FarmerAccountID) == profile {
				s.farmer += diff
			}
		}
		out[o.ID] = s
	}
	return out, ""
}

func voucherOrderIsChronological(incoming []IncomingOrder) bool {
	byTime := append([]IncomingOrder(nil), incoming...)
	sortIncomingChronological(byTime)
	byVoucher := append([]IncomingOrder(nil), incoming...)
	sort.SliceStable(byVoucher, func(i, j int) bool { return byVoucher[i].Voucher.Number < byVoucher[j].Voucher.Number })
	for i := range byTime {
		if byTime[i].ID != byVoucher[i].ID {
			return false
		}
		if i > 0 && byVoucher[i].Voucher.Number == byVoucher[i-1].Voucher.Number {
			return false
		}
	}
	return true
}

func sortIncomingChronological(orders []IncomingOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		return chronoLess(orders[i].CreatedAt, orders[i].Seq, orders[j].CreatedAt, orders[j].Seq)
	})
}

func profileOf(profiles map[uuid.UUID]uuid.UUID, account uuid.UUID) uuid.UUID {
	if p, ok := profiles[account]; ok && p != uuid.Nil {
		return p
	}
	return account
}

func mergeIncoming(persisted, pending []IncomingOrder) []IncomingOrder {
	out := make([]IncomingOrder, 0, len(persisted)+len(pending))
	override := make(map[uuid.UUID]IncomingOrder, len(pending))
	for _, o := range pending {
		override[o.ID] = o
	}
	seen := make(map[uuid.UUID]struct{}, len(pending))
	for _, o := range persisted {
		if p, ok := override[o.ID]; ok {
			out = append(out, p)
			seen[o.ID] = struct{}{}
			continue
		}
		out = append(out, o)
	}
	for _, o := range pending {
		if _, ok := seen[o.ID]; !ok {
			out = append(out, o)
		}
	}
	return out
}

func mergeOutgoing(persisted []OutgoingOrder, pending *OutgoingOrder, deleted uuid.UUID) []OutgoingOrder {
	out := make([]OutgoingOrder, 0, len(persisted)+1)
	replaced := false
	for _, o := range persisted {
		if deleted != uuid.Nil && o.ID == deleted {
			continue
		}
		if pending != nil && o.ID == pending.ID {
			out = append(out, *pending)
			replaced = true
			continue
		}
		out = append(out, o)
	}
	if pending != nil && !replaced {
		out = append(out, *pending)
	}
	return out
}
