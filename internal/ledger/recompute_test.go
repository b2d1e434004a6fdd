package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	strategies []string
	fallbacks  []string
	changed    []int
}

func (o *recordingObserver) ObserveRecompute(strategy string, _ time.Duration, rowsChanged int) {
	o.strategies = append(o.strategies, strategy)
	o.changed = append(o.changed, rowsChanged)
}

func (o *recordingObserver) DeltaFallback(reason string) {
	o.fallbacks = append(o.fallbacks, reason)
}

var base = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

func receiptAt(voucher int64, farmer uuid.UUID, at time.Time, seq, current int64) IncomingOrder {
	return IncomingOrder{
		ID:              uuid.New(),
		FarmerAccountID: farmer,
		Voucher:         Voucher{Type: VoucherReceipt, Number: voucher},
		LineItems: []LineItem{{Variety: "Jyoti", BagSizes: []BagSize{{
			Size: "50kg", Location: "A", Quantity: Quantity{Initial: current, Current: current},
		}}}},
		CreatedAt: at,
		Seq:       seq,
	}
}

// settled returns state with every snapshot already consistent.
func settled(state LedgerState) LedgerState {
	result := NewEngine(StrategyFullRewalk, nil, nil).Recompute(state, Mutation{})
	byID := make(map[uuid.UUID]SnapshotUpdate, len(result.Updates))
	for _, u := range result.Updates {
		byID[u.ID] = u
	}
	for i, o := range state.Incoming {
		if u, ok := byID[o.ID]; ok {
			state.Incoming[i].CurrentStockAtThatTime = u.CurrentStockAtThatTime
			state.Incoming[i].FarmerCurrentStockAtThatTime = *u.FarmerCurrentStockAtThatTime
		}
	}
	for i, o := range state.Outgoing {
		if u, ok := byID[o.ID]; ok {
			state.Outgoing[i].CurrentStockAtThatTime = u.CurrentStockAtThatTime
		}
	}
	return state
}

func snapshotsOf(result RecomputeResult) map[uuid.UUID]int64 {
	out := make(map[uuid.UUID]int64)
	for _, o := range result.Incoming {
		out[o.ID] = o.CurrentStockAtThatTime
	}
	for _, u := range result.Updates {
		out[u.ID] = u.CurrentStockAtThatTime
	}
	return out
}

func TestRecomputeBreaksTiesBySequence(t *testing.T) {
	farmer := uuid.New()
	// Same timestamp; the later sequence is walked second regardless of
	// slice order.
	second := receiptAt(2, farmer, base, 8, 5)
	first := receiptAt(1, farmer, base, 7, 3)
	state := LedgerState{Incoming: []IncomingOrder{second, first}}

	result := NewEngine(StrategyFullRewalk, nil, nil).Recompute(state, Mutation{})
	snaps := snapshotsOf(result)
	require.EqualValues(t, 3, snaps[first.ID])
	require.EqualValues(t, 8, snaps[second.ID])
}

func TestRecomputeIsIdempotent(t *testing.T) {
	farmer := uuid.New()
	state := settled(LedgerState{Incoming: []IncomingOrder{
		receiptAt(1, farmer, base, 1, 10),
		receiptAt(2, farmer, base.Add(time.Minute), 2, 20),
	}})
	result := NewEngine(StrategyFullRewalk, nil, nil).Recompute(state, Mutation{})
	require.Empty(t, result.Updates)
}

func TestRecomputeReportsOnlyChangedRows(t *testing.T) {
	farmer := uuid.New()
	a := receiptAt(1, farmer, base, 1, 10)
	b := receiptAt(2, farmer, base.Add(time.Minute), 2, 20)
	c := receiptAt(3, farmer, base.Add(2*time.Minute), 3, 30)
	state := settled(LedgerState{Incoming: []IncomingOrder{a, b, c}})

	edited := state.Incoming[1].Clone()
	edited.LineItems[0].BagSizes[0].Quantity.Current = 15
	prev := state.Incoming[1]
	result := NewEngine(StrategyFullRewalk, nil, nil).Recompute(state, Mutation{Incoming: []IncomingOrder{edited}, Edited: &prev})

	require.Len(t, result.Incoming, 1)
	require.EqualValues(t, 25, result.Incoming[0].CurrentStockAtThatTime)
	require.Len(t, result.Updates, 1)
	require.Equal(t, c.ID, result.Updates[0].ID)
	require.EqualValues(t, 55, result.Updates[0].CurrentStockAtThatTime)
	require.EqualValues(t, 55, *result.Updates[0].FarmerCurrentStockAtThatTime)
}

func TestDeltaMatchesFullRewalk(t *testing.T) {
	farmerA, farmerB := uuid.New(), uuid.New()
	profiles := map[uuid.UUID]uuid.UUID{farmerA: uuid.New(), farmerB: uuid.New()}
	var incoming []IncomingOrder
	for i := int64(1); i <= 6; i++ {
		farmer := farmerA
		if i%2 == 0 {
			farmer = farmerB
		}
		incoming = append(incoming, receiptAt(i, farmer, base.Add(time.Duration(i)*time.Minute), i, i*10))
	}
	state := settled(LedgerState{Incoming: incoming, Profiles: profiles})

	prev := state.Incoming[2]
	edited := prev.Clone()
	edited.LineItems[0].BagSizes[0].Quantity.Current = 4
	m := Mutation{Incoming: []IncomingOrder{edited}, Edited: &prev}

	observer := &recordingObserver{}
	delta := NewEngine(StrategyDeltaPropagation, nil, observer).Recompute(state, m)
	full := NewEngine(StrategyFullRewalk, nil, nil).Recompute(state, m)

	require.Equal(t, StrategyDeltaPropagation, delta.Strategy)
	require.Empty(t, observer.fallbacks)
	require.Equal(t, full.Incoming, delta.Incoming)
	require.ElementsMatch(t, full.Updates, delta.Updates)
}

func TestDeltaFallsBack(t *testing.T) {
	farmer := uuid.New()
	a := receiptAt(1, farmer, base.Add(time.Hour), 2, 10)
	b := receiptAt(2, farmer, base, 1, 20)
	state := settled(LedgerState{Incoming: []IncomingOrder{b, a}})

	cases := []struct {
		name   string
		build  func() Mutation
		reason string
	}{
		{
			name: "voucher order",
			build: func() Mutation {
				prev := state.Incoming[1]
				edited := prev.Clone()
				edited.LineItems[0].BagSizes[0].Quantity.Current = 1
				return Mutation{Incoming: []IncomingOrder{edited}, Edited: &prev}
			},
			reason: "voucher order differs from chronological order",
		},
		{
			name: "profile change",
			build: func() Mutation {
				prev := state.Incoming[0]
				edited := prev.Clone()
				edited.FarmerAccountID = uuid.New()
				return Mutation{Incoming: []IncomingOrder{edited}, Edited: &prev}
			},
			reason: "farmer profile changed",
		},
		{
			name: "delivery",
			build: func() Mutation {
				prev := state.Incoming[0]
				return Mutation{Incoming: []IncomingOrder{prev}, Edited: &prev, Outgoing: &OutgoingOrder{ID: uuid.New(), CreatedAt: base.Add(2 * time.Hour)}}
			},
			reason: "mutation changes deliveries",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			observer := &recordingObserver{}
			m := tc.build()
			result := NewEngine(StrategyDeltaPropagation, nil, observer).Recompute(state, m)
			require.Equal(t, StrategyFullRewalk, result.Strategy)
			require.Equal(t, []string{tc.reason}, observer.fallbacks)
			require.Equal(t, []string{string(StrategyFullRewalk)}, observer.strategies)

			full := NewEngine(StrategyFullRewalk, nil, nil).Recompute(state, m)
			require.Equal(t, snapshotsOf(full), snapshotsOf(result))
		})
	}
}

func TestOutgoingSnapshotUsesGrossReceipts(t *testing.T) {
	farmer := uuid.New()
	a := receiptAt(1, farmer, base, 1, 100)
	a.LineItems[0].BagSizes[0].Quantity.Current = 70
	b := receiptAt(2, farmer, base.Add(2*time.Minute), 3, 50)
	delivery := OutgoingOrder{
		ID:        uuid.New(),
		Voucher:   Voucher{Type: VoucherDelivery, Number: 1},
		CreatedAt: base.Add(time.Minute),
		Seq:       2,
		Lines: []OutgoingLine{{
			IncomingOrderID: a.ID,
			Variety:         "Jyoti",
			BagSizes:        []RemovedBag{{Size: "50kg", Location: "A", QuantityRemoved: 30}},
		}},
	}
	state := LedgerState{Incoming: []IncomingOrder{a, b}, Outgoing: []OutgoingOrder{delivery}}

	result := NewEngine(StrategyFullRewalk, nil, nil).Recompute(state, Mutation{})
	snaps := snapshotsOf(result)
	require.EqualValues(t, 70, snaps[delivery.ID], "only bags deposited before the delivery count")
	require.EqualValues(t, 70, snaps[a.ID])
	require.EqualValues(t, 120, snaps[b.ID])

	dropped := NewEngine(StrategyFullRewalk, nil, nil).Recompute(state, Mutation{DeletedOutgoing: delivery.ID})
	for _, u := range dropped.Updates {
		require.NotEqual(t, delivery.ID, u.ID)
	}
}

func TestUnknownProfileFallsBackToAccount(t *testing.T) {
	x, y := uuid.New(), uuid.New()
	state := LedgerState{Incoming: []IncomingOrder{
		receiptAt(1, x, base, 1, 4),
		receiptAt(2, y, base.Add(time.Minute), 2, 6),
		receiptAt(3, x, base.Add(2*time.Minute), 3, 1),
	}}
	result := NewEngine(StrategyFullRewalk, nil, nil).Recompute(state, Mutation{})
	farmer := make(map[uuid.UUID]int64)
	for _, u := range result.Updates {
		farmer[u.ID] = *u.FarmerCurrentStockAtThatTime
	}
	require.EqualValues(t, 4, farmer[state.Incoming[0].ID])
	require.EqualValues(t, 6, farmer[state.Incoming[1].ID])
	require.EqualValues(t, 5, farmer[state.Incoming[2].ID])
}

func TestParseStrategy(t *testing.T) {
	require.Equal(t, StrategyDeltaPropagation, ParseStrategy("delta"))
	require.Equal(t, StrategyFullRewalk, ParseStrategy("full"))
	require.Equal(t, StrategyFullRewalk, ParseStrategy("bogus"))
	require.Equal(t, StrategyFullRewalk, NewEngine("", nil, nil).Strategy())
}
