package ledger

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// SumCurrentQuantity totals current bags over every incoming record.
func SumCurrentQuantity(records []Record) int64 {
	var total int64
	for _, r := range records {
		if r.Direction == DirectionIncoming {
			total += r.Incoming.Contribution()
		}
	}
	return total
}

// SumInitialQuantity totals deposited bags over every incoming record.
func SumInitialQuantity(records []Record) int64 {
	var total int64
	for _, r := range records {
		if r.Direction != DirectionIncoming {
			continue
		}
		for _, item := range r.Incoming.LineItems {
			for _, bag := range item.BagSizes {
				total += bag.Quantity.Initial
			}
		}
	}
	return total
}

// SumOutgoing totals withdrawn bags over every outgoing record.
func SumOutgoing(records []Record) int64 {
	var total int64
	for _, r := range records {
		if r.Direction == DirectionOutgoing {
			total += r.Outgoing.Removed()
		}
	}
	return total
}

// SizeTotals is the per-size leaf of GroupByVarietyAndSize.
type SizeTotals struct {
	InitialQuantity int64 `json:"initialQuantity"`
	CurrentQuantity int64 `json:"currentQuantity"`
	QuantityRemoved int64 `json:"quantityRemoved"`
}

// GroupByVarietyAndSize builds {variety: {size: totals}} from incoming
// records. Removed bags are derived from initial minus current so the
// figures agree with the receipts themselves.
func GroupByVarietyAndSize(records []Record) map[string]map[string]SizeTotals {
	out := make(map[string]map[string]SizeTotals)
	for _, r := range records {
		if r.Direction != DirectionIncoming {
			continue
		}
		for _, item := range r.Incoming.LineItems {
			sizes, ok := out[item.Variety]
			if !ok {
				sizes = make(map[string]SizeTotals)
				out[item.Variety] = sizes
			}
			for _, bag := range item.BagSizes {
				t := sizes[bag.Size]
				t.InitialQuantity += bag.Quantity.Initial
				t.CurrentQuantity += bag.Quantity.Current
				t.QuantityRemoved += bag.Removed()
				sizes[bag.Size] = t
			}
		}
	}
	return out
}

// InStock drops sizes with no current bags, and varieties left without any
// size.
func InStock(grouped map[string]map[string]SizeTotals) map[string]map[string]SizeTotals {
	out := make(map[string]map[string]SizeTotals, len(grouped))
	for variety, sizes := range grouped {
		kept := make(map[string]SizeTotals, len(sizes))
		for size, t := range sizes {
			if t.CurrentQuantity > 0 {
				kept[size] = t
			}
		}
		if len(kept) > 0 {
			out[variety] = kept
		}
	}
	return out
}

// Summaries flattens a grouping into a stable, sorted slice.
func Summaries(grouped map[string]map[string]SizeTotals) []VarietySummary {
	out := make([]VarietySummary, 0, len(grouped))
	for variety, sizes := range grouped {
		vs := VarietySummary{Variety: variety, Sizes: make([]SizeSummary, 0, len(sizes))}
		for size, t := range sizes {
			vs.Sizes = append(vs.Sizes, SizeSummary{
				Size:            size,
				InitialQuantity: t.InitialQuantity,
				CurrentQuantity: t.CurrentQuantity,
				QuantityRemoved: t.QuantityRemoved,
			})
		}
		sort.Slice(vs.Sizes, func(i, j int) bool { return vs.Sizes[i].Size < vs.Sizes[j].Size })
		out = append(out, vs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Variety < out[j].Variety })
	return out
}

// RecordFilter narrows a record collection before aggregation.
type RecordFilter struct {
	Variety          string
	FarmerAccountIDs []uuid.UUID
	From             time.Time
	To               time.Time
}

// Filter keeps the records matching every set criterion. The time window is
// half-open on createdAt. A variety filter also trims line items of other
// varieties from the kept incoming records.
func Filter(records []Record, f RecordFilter) []Record {
	var farmers map[uuid.UUID]struct{}
	if len(f.FarmerAccountIDs) > 0 {
		farmers = make(map[uuid.UUID]struct{}, len(f.FarmerAccountIDs))
		for _, id := range f.FarmerAccountIDs {
			farmers[id] = struct{}{}
		}
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		at := r.CreatedAt()
		if !f.From.IsZero() && at.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !at.Before(f.To) {
			continue
		}
		if farmers != nil {
			if _, ok := farmers[r.FarmerAccountID()]; !ok {
				continue
			}
		}
		if f.Variety != "" {
			var ok bool
			r, ok = restrictVariety(r, f.Variety)
			if !ok {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func restrictVariety(r Record, variety string) (Record, bool) {
	switch r.Direction {
	case DirectionIncoming:
		o := r.Incoming.Clone()
		items := o.LineItems[:0]
		for _, item := range o.LineItems {
			if item.Variety == variety {
				items = append(items, item)
			}
		}
		if len(items) == 0 {
			return Record{}, false
		}
		o.LineItems = items
		return IncomingRecord(o), true
	case DirectionOutgoing:
		o := *r.Outgoing
		lines := make([]OutgoingLine, 0, len(o.Lines))
		for _, line := range o.Lines {
			if line.Variety == variety {
				lines = append(lines, line)
			}
		}
		if len(lines) == 0 {
			return Record{}, false
		}
		o.Lines = lines
		return OutgoingRecord(o), true
	default:
		return Record{}, false
	}
}

// IncomingRecords wraps receipts as records.
func IncomingRecords(orders []IncomingOrder) []Record {
	out := make([]Record, len(orders))
	for i, o := range orders {
		out[i] = IncomingRecord(o)
	}
	return out
}

// OutgoingRecords wraps deliveries as records.
func OutgoingRecords(orders []OutgoingOrder) []Record {
	out := make([]Record, len(orders))
	for i, o := range orders {
		out[i] = OutgoingRecord(o)
	}
	return out
}

// SortChronological orders records by createdAt, then insertion order.
func SortChronological(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return chronoLess(records[i].CreatedAt(), records[i].Seq(), records[j].CreatedAt(), records[j].Seq())
	})
}

func chronoLess(ai time.Time, as int64, bi time.Time, bs int64) bool {
	if !ai.Equal(bi) {
		return ai.Before(bi)
	}
	return as < bs
}
