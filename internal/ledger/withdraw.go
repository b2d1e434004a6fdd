package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// workingSet holds in-memory copies of the receipts touched by one
// mutation. Nothing is persisted until every line has been applied.
type workingSet struct {
	tx        TxRepository
	tenant    uuid.UUID
	persisted map[uuid.UUID]IncomingOrder
	touched   map[uuid.UUID]*IncomingOrder
	order     []uuid.UUID
}

func newWorkingSet(tx TxRepository, state LedgerState) *workingSet {
	persisted := make(map[uuid.UUID]IncomingOrder, len(state.Incoming))
	for _, o := range state.Incoming {
		persisted[o.ID] = o
	}
	return &workingSet{
		tx:        tx,
		tenant:    state.ColdStorageID,
		persisted: persisted,
		touched:   make(map[uuid.UUID]*IncomingOrder),
	}
}

func (w *workingSet) get(ctx context.Context, id uuid.UUID) (*IncomingOrder, error) {
	if o, ok := w.touched[id]; ok {
		return o, nil
	}
	o, ok := w.persisted[id]
	if !ok {
		other, err := w.tx.GetIncomingOrder(ctx, id)
		if errors.Is(err, ErrOrderNotFound) {
			return nil, &NotFoundError{Entity: "incoming order", ID: id.String()}
		}
		if err != nil {
			return nil, err
		}
		if other.ColdStorageID != w.tenant {
			return nil, &UnauthorizedError{Entity: "incoming order", ID: id}
		}
		o = other
	}
	clone := o.Clone()
	w.touched[id] = &clone
	w.order = append(w.order, id)
	return &clone, nil
}

// orders returns the touched receipts in first-touch order.
func (w *workingSet) orders() []IncomingOrder {
	out := make([]IncomingOrder, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, *w.touched[id])
	}
	return out
}

// withdraw decrements the receipt referenced by line and returns the
// delivery line to store, including a frozen copy of the receipt's bags as
// they were before this withdrawal.
func (w *workingSet) withdraw(ctx context.Context, line OutgoingLineInput) (OutgoingLine, error) {
	receipt, err := w.get(ctx, line.IncomingOrderID)
	if err != nil {
		return OutgoingLine{}, err
	}
	item := findVariety(receipt, line.Variety)
	if item == nil {
		return OutgoingLine{}, &NotFoundError{Entity: "variety", ID: line.Variety + " in incoming order " + receipt.ID.String()}
	}
	out := OutgoingLine{
		IncomingOrderID: receipt.ID,
		Variety:         item.Variety,
		Incoming: IncomingSnapshot{
			ID:       receipt.ID,
			Voucher:  receipt.Voucher,
			BagSizes: append([]BagSize(nil), item.BagSizes...),
		},
	}
	for _, bu := range line.BagUpdates {
		idx, err := matchBag(item.BagSizes, bu.Size, bu.Location)
		if err != nil {
			return OutgoingLine{}, err
		}
		bag := &item.BagSizes[idx]
		if err := bag.Decrement(bu.QuantityToRemove); err != nil {
			var ierr *InsufficientStockError
			if errors.As(err, &ierr) {
				ierr.IncomingOrderID = receipt.ID
				ierr.Variety = item.Variety
			}
			return OutgoingLine{}, err
		}
		out.BagSizes = append(out.BagSizes, RemovedBag{
			Size:            bag.Size,
			Location:        bag.Location,
			QuantityRemoved: bu.QuantityToRemove,
		})
	}
	return out, nil
}

// revert returns every bag withdrawn by the delivery to its receipt.
func (w *workingSet) revert(ctx context.Context, delivery OutgoingOrder) error {
	for _, line := range delivery.Lines {
		receipt, err := w.get(ctx, line.IncomingOrderID)
		if err != nil {
			return err
		}
		item := findVariety(receipt, line.Variety)
		if item == nil {
			return &NotFoundError{Entity: "variety", ID: line.Variety + " in incoming order " + receipt.ID.String()}
		}
		for _, removed := range line.BagSizes {
			idx, err := matchBag(item.BagSizes, removed.Size, removed.Location)
			if err != nil {
				return err
			}
			if err := item.BagSizes[idx].Restore(removed.QuantityRemoved); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkDeliveriesFit rejects a receipt edit that would strand a delivery:
// every bag a delivery drew from must still exist on the receipt with
// initialQuantity covering what remains plus what was withdrawn.
func checkDeliveriesFit(receipt IncomingOrder, deliveries []OutgoingOrder) error {
	type bagKey struct{ variety, size, location string }
	withdrawn := make(map[bagKey]int64)
	var keys []bagKey
	for _, d := range deliveries {
		for _, line := range d.Lines {
			if line.IncomingOrderID != receipt.ID {
				continue
			}
			for _, b := range line.BagSizes {
				k := bagKey{NormalizeVariety(line.Variety), b.Size, b.Location}
				if _, seen := withdrawn[k]; !seen {
					keys = append(keys, k)
				}
				withdrawn[k] += b.QuantityRemoved
			}
		}
	}
	for _, k := range keys {
		ref := k.variety + " " + k.size + " at " + k.location
		item := findVariety(&receipt, k.variety)
		if item == nil {
			return &ValidationError{Field: "lineItems", Reason: "must keep " + ref + ", a delivery withdrew from it"}
		}
		idx, err := matchBag(item.BagSizes, k.size, k.location)
		if err != nil {
			return &ValidationError{Field: "lineItems", Reason: "must keep " + ref + ", a delivery withdrew from it"}
		}
		q := item.BagSizes[idx].Quantity
		if q.Initial < q.Current+withdrawn[k] {
			return &ValidationError{
				Field:  "initialQuantity",
				Reason: fmt.Sprintf("of %s must be at least %d (current %d plus %d delivered)", ref, q.Current+withdrawn[k], q.Current, withdrawn[k]),
			}
		}
	}
	return nil
}

func findVariety(o *IncomingOrder, variety string) *LineItem {
	variety = NormalizeVariety(variety)
	for i := range o.LineItems {
		if NormalizeVariety(o.LineItems[i].Variety) == variety {
			return &o.LineItems[i]
		}
	}
	return nil
}

// matchBag finds the bag entry for size and, when given, location. Without
// a location the size must identify exactly one entry.
func matchBag(bags []BagSize, size, location string) (int, error) {
	found := -1
	for i, bag := range bags {
		if bag.Size != size {
			continue
		}
		if location != "" && bag.Location != location {
			continue
		}
		if found >= 0 {
			return -1, &ValidationError{Field: "location", Reason: "required, size " + size + " is stored at several locations"}
		}
		found = i
	}
	if found < 0 {
		ref := size
		if location != "" {
			ref += " at " + location
		}
		return -1, &NotFoundError{Entity: "bag size", ID: ref}
	}
	return found, nil
}
