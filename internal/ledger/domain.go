package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Direction tags a ledger record as a deposit or a withdrawal.
type Direction string

const (
	// DirectionIncoming marks a receipt that adds stock.
	DirectionIncoming Direction = "INCOMING"
	// DirectionOutgoing marks a delivery that removes stock.
	DirectionOutgoing Direction = "OUTGOING"
)

// VoucherType enumerates printed voucher kinds.
type VoucherType string

const (
	// VoucherReceipt is issued for incoming orders.
	VoucherReceipt VoucherType = "RECEIPT"
	// VoucherDelivery is issued for outgoing orders.
	VoucherDelivery VoucherType = "DELIVERY"
)

// VoucherTypeFor returns the voucher kind used by a direction.
func VoucherTypeFor(d Direction) VoucherType {
	if d == DirectionOutgoing {
		return VoucherDelivery
	}
	return VoucherReceipt
}

// Voucher is the sequential display number of an order. It is never an
// ordering key for snapshot recomputation.
type Voucher struct {
	Type   VoucherType `json:"type"`
	Number int64       `json:"voucherNumber"`
}

// LineItem groups the bag sizes of one variety.
type LineItem struct {
	Variety  string    `json:"variety"`
	BagSizes []BagSize `json:"bagSizes"`
}

// FarmerAccount links a farmer profile to one cold storage.
type FarmerAccount struct {
	ID            uuid.UUID
	ProfileID     uuid.UUID
	ColdStorageID uuid.UUID
	Variety       string
}

// IncomingOrder is a receipt: a deposit of produce by a farmer.
type IncomingOrder struct {
	ID                           uuid.UUID  `json:"id"`
	ColdStorageID                uuid.UUID  `json:"coldStorageId"`
	FarmerAccountID              uuid.UUID  `json:"farmerAccount"`
	Voucher                      Voucher    `json:"voucher"`
	LineItems                    []LineItem `json:"lineItems"`
	Remarks                      string     `json:"remarks,omitempty"`
	DateOfEntry                  time.Time  `json:"dateOfEntry"`
	CurrentStockAtThatTime       int64      `json:"currentStockAtThatTime"`
	FarmerCurrentStockAtThatTime int64      `json:"farmerCurrentStockAtThatTime"`
	CreatedAt                    time.Time  `json:"createdAt"`
	UpdatedAt                    time.Time  `json:"updatedAt"`
	// Seq is the insertion order, used to break createdAt ties.
	Seq int64 `json:"-"`
}

// Contribution is the sum of current quantities across all bag sizes.
func (o IncomingOrder) Contribution() int64 {
	var total int64
	for _, item := range o.LineItems {
		for _, bag := range item.BagSizes {
			total += bag.Quantity.Current
		}
	}
	return total
}

// Clone returns a deep copy so callers can mutate line items safely.
func (o IncomingOrder) Clone() IncomingOrder {
	out := o
	out.LineItems = cloneLineItems(o.LineItems)
	return out
}

// RemovedBag records the quantity withdrawn from one bag-size entry.
type RemovedBag struct {
	Size            string `json:"size"`
	Location        string `json:"location"`
	QuantityRemoved int64  `json:"quantityRemoved"`
}

// IncomingSnapshot is the frozen view of a receipt stored on an outgoing line
// for display. It is never used for recomputation.
type IncomingSnapshot struct {
	ID       uuid.UUID `json:"_id"`
	Voucher  Voucher   `json:"voucher"`
	BagSizes []BagSize `json:"incomingBagSizes"`
}

// OutgoingLine draws one variety down from one receipt.
type OutgoingLine struct {
	IncomingOrderID uuid.UUID        `json:"incomingOrderId"`
	Variety         string           `json:"variety"`
	BagSizes        []RemovedBag     `json:"bagSizes"`
	Incoming        IncomingSnapshot `json:"incomingOrder"`
}

// OutgoingOrder is a delivery: a withdrawal of produce by a farmer.
type OutgoingOrder struct {
	ID                     uuid.UUID      `json:"id"`
	ColdStorageID          uuid.UUID      `json:"coldStorageId"`
	FarmerAccountID        uuid.UUID      `json:"farmerAccount"`
	Voucher                Voucher        `json:"voucher"`
	Lines                  []OutgoingLine `json:"orderDetails"`
	Remarks                string         `json:"remarks,omitempty"`
	DateOfExtraction       time.Time      `json:"dateOfExtraction"`
	CurrentStockAtThatTime int64          `json:"currentStockAtThatTime"`
	CreatedAt              time.Time      `json:"createdAt"`
	UpdatedAt              time.Time      `json:"updatedAt"`
	Seq                    int64          `json:"-"`
}

// Removed is the total quantity withdrawn by the order.
func (o OutgoingOrder) Removed() int64 {
	var total int64
	for _, line := range o.Lines {
		for _, bag := range line.BagSizes {
			total += bag.QuantityRemoved
		}
	}
	return total
}

// Record is the tagged variant over both order kinds. Exactly one of
// Incoming or Outgoing is set, matching Direction.
type Record struct {
	Direction Direction      `json:"type"`
	Incoming  *IncomingOrder `json:"incoming,omitempty"`
	Outgoing  *OutgoingOrder `json:"outgoing,omitempty"`
}

// IncomingRecord wraps a receipt.
func IncomingRecord(o IncomingOrder) Record {
	return Record{Direction: DirectionIncoming, Incoming: &o}
}

// OutgoingRecord wraps a delivery.
func OutgoingRecord(o OutgoingOrder) Record {
	return Record{Direction: DirectionOutgoing, Outgoing: &o}
}

// CreatedAt returns the chronological key of the wrapped order.
func (r Record) CreatedAt() time.Time {
	switch r.Direction {
	case DirectionIncoming:
		return r.Incoming.CreatedAt
	case DirectionOutgoing:
		return r.Outgoing.CreatedAt
	default:
		return time.Time{}
	}
}

// Seq returns the insertion order of the wrapped order.
func (r Record) Seq() int64 {
	switch r.Direction {
	case DirectionIncoming:
		return r.Incoming.Seq
	case DirectionOutgoing:
		return r.Outgoing.Seq
	default:
		return 0
	}
}

// FarmerAccountID returns the farmer reference of the wrapped order.
func (r Record) FarmerAccountID() uuid.UUID {
	switch r.Direction {
	case DirectionIncoming:
		return r.Incoming.FarmerAccountID
	case DirectionOutgoing:
		return r.Outgoing.FarmerAccountID
	default:
		return uuid.Nil
	}
}

// SnapshotUpdate sets the denormalised snapshot of one stored order.
type SnapshotUpdate struct {
	ID                           uuid.UUID
	Direction                    Direction
	CurrentStockAtThatTime       int64
	FarmerCurrentStockAtThatTime *int64
}

// BagUpdate withdraws quantity from one bag-size entry of a receipt.
type BagUpdate struct {
	Size             string `json:"size" validate:"required"`
	Location         string `json:"location"`
	QuantityToRemove int64  `json:"quantityToRemove" validate:"gte=0"`
}

// OutgoingLineInput draws from one receipt.
type OutgoingLineInput struct {
	IncomingOrderID uuid.UUID   `json:"incomingOrderId" validate:"required"`
	Variety         string      `json:"variety" validate:"required"`
	BagUpdates      []BagUpdate `json:"bagUpdates" validate:"required,min=1,dive"`
}

// BagSizeInput is the caller-supplied form of a bag-size entry. Pointer
// fields distinguish a missing value from zero.
type BagSizeInput struct {
	Size     string         `json:"size"`
	Location string         `json:"location"`
	Quantity *QuantityInput `json:"quantity"`
}

// QuantityInput carries the raw quantity pair.
type QuantityInput struct {
	Initial *int64 `json:"initialQuantity"`
	Current *int64 `json:"currentQuantity"`
}

// LineItemInput is one variety group submitted on edit.
type LineItemInput struct {
	Variety  string         `json:"variety"`
	BagSizes []BagSizeInput `json:"bagSizes"`
}

// CreateIncomingInput describes a new receipt.
type CreateIncomingInput struct {
	ColdStorageID   uuid.UUID
	FarmerAccountID uuid.UUID
	Variety         string
	BagSizes        []BagSizeInput
	Remarks         string
	DateOfEntry     time.Time
	ActorID         string
}

// CreateOutgoingInput describes a new delivery.
type CreateOutgoingInput struct {
	ColdStorageID   uuid.UUID
	FarmerAccountID uuid.UUID
	Lines           []OutgoingLineInput
	Remarks         string
	IdempotencyKey  string
	ActorID         string
}

// IncomingUpdate is a partial update of a receipt. Nil fields are untouched.
type IncomingUpdate struct {
	Remarks         *string
	DateOfEntry     *time.Time
	FarmerAccountID *uuid.UUID
	LineItems       []LineItemInput
}

// OutgoingUpdate is a partial update of a delivery. Nil fields are untouched.
type OutgoingUpdate struct {
	Remarks          *string
	DateOfExtraction *time.Time
	Lines            []OutgoingLineInput
}

// OrderUpdate is the direction-agnostic edit request.
type OrderUpdate struct {
	Incoming *IncomingUpdate
	Outgoing *OutgoingUpdate
}

// SummaryFilter narrows stock summaries.
type SummaryFilter struct {
	Variety          string
	FarmerProfileID  uuid.UUID
	FarmerAccountIDs []uuid.UUID
	From             time.Time
	To               time.Time
}

// SizeSummary aggregates quantities for one bag size.
type SizeSummary struct {
	Size            string `json:"size"`
	InitialQuantity int64  `json:"initialQuantity"`
	CurrentQuantity int64  `json:"currentQuantity"`
	QuantityRemoved int64  `json:"quantityRemoved"`
}

// VarietySummary aggregates one variety.
type VarietySummary struct {
	Variety string        `json:"variety"`
	Sizes   []SizeSummary `json:"sizes"`
}

// TrendPoint is the running stock at the end of a month.
type TrendPoint struct {
	Month      string `json:"month"`
	TotalStock int64  `json:"totalStock"`
}

// FarmerRanking is one row of the top farmers report.
type FarmerRanking struct {
	FarmerAccountID uuid.UUID        `json:"farmerId"`
	TotalBags       int64            `json:"totalBags"`
	BagSummary      map[string]int64 `json:"bagSummary"`
}

// DayBookType selects which records the day book lists.
type DayBookType string

const (
	DayBookAll      DayBookType = "all"
	DayBookIncoming DayBookType = "incoming"
	DayBookOutgoing DayBookType = "outgoing"
)

// DayBookFilter pages through a tenant's records.
type DayBookFilter struct {
	Type        DayBookType
	OldestFirst bool
	Page        int
	PerPage     int
}
