package ledger

import (
	"errors"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Quantity tracks the deposited and remaining bags of one entry.
type Quantity struct {
	Initial int64 `json:"initialQuantity"`
	Current int64 `json:"currentQuantity"`
}

// BagSize is one bag-size line of a receipt at one storage location.
type BagSize struct {
	Size     string   `json:"size"`
	Location string   `json:"location"`
	Quantity Quantity `json:"quantity"`
}

// Removed is how many bags were withdrawn from the entry.
func (b BagSize) Removed() int64 {
	return b.Quantity.Initial - b.Quantity.Current
}

// IsZero reports whether the entry carries no bags at all.
func (b BagSize) IsZero() bool {
	return b.Quantity.Initial == 0 && b.Quantity.Current == 0
}

// NewBagSize validates raw input and builds an entry.
func NewBagSize(in BagSizeInput) (BagSize, error) {
	size := strings.TrimSpace(in.Size)
	location := strings.TrimSpace(in.Location)
	if size == "" {
		return BagSize{}, &ValidationError{Field: "size", Reason: "required"}
	}
	if location == "" {
		return BagSize{}, &ValidationError{Field: "location", Reason: "required"}
	}
	if in.Quantity == nil {
		return BagSize{}, &ValidationError{Field: "quantity", Reason: "required"}
	}
	if in.Quantity.Initial == nil {
		return BagSize{}, &ValidationError{Field: "quantity.initialQuantity", Reason: "must be a number"}
	}
	if in.Quantity.Current == nil {
		return BagSize{}, &ValidationError{Field: "quantity.currentQuantity", Reason: "must be a number"}
	}
	qty := Quantity{Initial: *in.Quantity.Initial, Current: *in.Quantity.Current}
	if qty.Initial < 0 {
		return BagSize{}, &ValidationError{Field: "quantity.initialQuantity", Reason: "must not be negative"}
	}
	if qty.Current < 0 {
		return BagSize{}, &ValidationError{Field: "quantity.currentQuantity", Reason: "must not be negative"}
	}
	if qty.Current > qty.Initial {
		return BagSize{}, &ValidationError{Field: "quantity.currentQuantity", Reason: "must not exceed initialQuantity"}
	}
	return BagSize{Size: size, Location: location, Quantity: qty}, nil
}

// Decrement withdraws n bags from the entry.
func (b *BagSize) Decrement(n int64) error {
	if n < 0 {
		return &ValidationError{Field: "quantityToRemove", Reason: "must not be negative"}
	}
	if n > b.Quantity.Current {
		return &InsufficientStockError{
			Size:      b.Size,
			Location:  b.Location,
			Requested: n,
			Available: b.Quantity.Current,
		}
	}
	b.Quantity.Current -= n
	return nil
}

// Restore returns n previously withdrawn bags to the entry.
func (b *BagSize) Restore(n int64) error {
	if n < 0 {
		return &ValidationError{Field: "quantityRemoved", Reason: "must not be negative"}
	}
	if b.Quantity.Current+n > b.Quantity.Initial {
		return &ValidationError{Field: "quantityRemoved", Reason: "restore exceeds initialQuantity"}
	}
	b.Quantity.Current += n
	return nil
}

// BuildBagSizes validates every input and drops all-zero entries. At least
// one non-zero entry must remain.
func BuildBagSizes(inputs []BagSizeInput) ([]BagSize, error) {
	if len(inputs) == 0 {
		return nil, &ValidationError{Field: "bagSizes", Reason: "at least one bag size required"}
	}
	out := make([]BagSize, 0, len(inputs))
	for i, in := range inputs {
		bag, err := NewBagSize(in)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				verr.Line = i + 1
			}
			return nil, err
		}
		if bag.IsZero() {
			continue
		}
		out = append(out, bag)
	}
	if len(out) == 0 {
		return nil, &ValidationError{Field: "bagSizes", Reason: "at least one non-zero bag size required"}
	}
	return out, nil
}

// NormalizeVariety trims and title-cases a variety name so that
// "chipsona 1" and "Chipsona 1" group together.
func NormalizeVariety(v string) string {
	v = strings.Join(strings.Fields(v), " ")
	if v == "" {
		return ""
	}
	return cases.Title(language.English).String(v)
}

func cloneLineItems(items []LineItem) []LineItem {
	if items == nil {
		return nil
	}
	out := make([]LineItem, len(items))
	for i, item := range items {
		out[i] = LineItem{Variety: item.Variety, BagSizes: append([]BagSize(nil), item.BagSizes...)}
	}
	return out
}
