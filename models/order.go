package models

import (
	null "gopkg.in/volatiletech/null.v6"
)

// Order status. Transitions are monotonic except to CANCELLED
// (spec.md §3, §8 invariant 6).
const (
	OrderStatusDraft           = "DRAFT"
	OrderStatusConfirmed       = "CONFIRMED"
	OrderStatusPreparing       = "PREPARING"
	OrderStatusOutForDelivery  = "OUT_FOR_DELIVERY"
	OrderStatusDelivered       = "DELIVERED"
	OrderStatusRated           = "RATED"
	OrderStatusCancelled       = "CANCELLED"
)

// orderStatusRank gives each non-terminal status a position in the
// monotonic sequence. CANCELLED is reachable from any rank and is not
// itself ranked (it never has a successor).
var orderStatusRank = map[string]int{
	OrderStatusDraft:          0,
	OrderStatusConfirmed:      1,
	OrderStatusPreparing:      2,
	OrderStatusOutForDelivery: 3,
	OrderStatusDelivered:      4,
	OrderStatusRated:          5,
}

// Order type.
const (
	OrderTypeDelivery = "Delivery"
	OrderTypeTakeaway = "Takeaway"
	OrderTypeDineIn   = "DineIn"
	OrderTypeFromCar  = "FromCar"
)

// Payment method.
const (
	PaymentOnline = "online"
	PaymentCash   = "cash"
)

// OrderItem is a single cart line. Minor-unit pricing avoids float
// rounding drift across currencies.
type OrderItem struct {
	ItemID      string `json:"item_id"`
	Name        string `json:"name"`
	Quantity    int    `json:"quantity"`
	UnitPriceMinor int64 `json:"unit_price_minor"`
}

// Order is created on checkout intent; it belongs to exactly one
// conversation and tenant (spec.md §3).
type Order struct {
	ID             int64       `db:"id" json:"id"`
	ConversationID int64       `db:"conversation_id" json:"conversation_id"`
	TenantID       int         `db:"tenant_id" json:"tenant_id"`
	ExternalNumber null.String `db:"external_number" json:"external_number,omitempty"`

	Status    string `db:"status" json:"status"`
	OrderType string `db:"order_type" json:"order_type"`

	Items      []byte `db:"items" json:"-"` // JSON-encoded []OrderItem
	TotalMinor int64  `db:"total_minor" json:"total_minor"`
	Currency   string `db:"currency" json:"currency"`

	// DeliveryAddress or BranchID, mutually exclusive depending on
	// OrderType.
	DeliveryAddress null.String `db:"delivery_address" json:"delivery_address,omitempty"`
	BranchID        null.String `db:"branch_id" json:"branch_id,omitempty"`

	PaymentMethod null.String `db:"payment_method" json:"payment_method,omitempty"`

	CreatedAt null.Time `db:"created_at" json:"created_at"`
	UpdatedAt null.Time `db:"updated_at" json:"updated_at"`
}

// CanTransition reports whether moving from cur to next respects the
// monotonic order-status invariant: any status may move to CANCELLED;
// otherwise the move must advance (or hold) rank.
func CanTransition(cur, next string) bool {
	if next == OrderStatusCancelled {
		return cur != OrderStatusCancelled
	}
	if cur == OrderStatusCancelled {
		return false
	}
	curRank, curOK := orderStatusRank[cur]
	nextRank, nextOK := orderStatusRank[next]
	if !curOK || !nextOK {
		return false
	}
	return nextRank >= curRank
}
