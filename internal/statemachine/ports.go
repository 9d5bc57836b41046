package statemachine

import (
	"context"
	"errors"

	"github.com/sufrah/wa-gateway/models"
)

// CategoryOption is one entry in a tenant's menu category list.
type CategoryOption struct {
	ID   string
	Name string
}

// ItemOption is one entry in a category's item list.
type ItemOption struct {
	ID          string
	Name        string
	PriceMinor  int64
}

// BranchOption is one entry in a tenant's pickup branch list.
type BranchOption struct {
	ID      string
	Name    string
	Address string
	Phone   string
}

// Catalog fetches a tenant's merchant catalog. Its implementation
// (talking to an upstream ordering system) is out of scope (spec.md §1
// Non-goals) — the state machine only depends on this interface.
type Catalog interface {
	Categories(ctx context.Context, tenantID int) ([]CategoryOption, error)
	Items(ctx context.Context, tenantID int, categoryID string) ([]ItemOption, error)
	Branches(ctx context.Context, tenantID int) ([]BranchOption, error)
}

// Error kinds an OrderGateway.Submit may return, mapped 1:1 to the
// structured outbound error codes of spec.md §7. The state machine
// classifies these to pick the one Arabic message the customer sees.
var (
	ErrNoBranchSelected     = errors.New("NO_BRANCH_SELECTED")
	ErrMissingPaymentMethod = errors.New("MISSING_PAYMENT_METHOD")
	ErrInvalidItems         = errors.New("INVALID_ITEMS")
	ErrAPIError             = errors.New("API_ERROR")
	ErrConfigMissing        = errors.New("CONFIG_MISSING")
	ErrMerchantNotConfigured = errors.New("MERCHANT_NOT_CONFIGURED")
	ErrCustomerInfoMissing  = errors.New("CUSTOMER_INFO_MISSING")
)

// OrderGateway submits an assembled order to the upstream ordering
// system (payment gateway integration is out of scope per spec.md §1;
// this is the seam the state machine calls across).
type OrderGateway interface {
	Submit(ctx context.Context, tenantID int, order *models.Order) (externalOrderNumber string, err error)
}

// Outbox queues an outbound reply. Neither method is window-gated: the
// engine sends its replies freeform without consulting PickChannel;
// template sends always carry a descriptor.
type Outbox interface {
	SendText(ctx context.Context, tenantID int, conv *models.Conversation, body string) error
	SendTemplate(ctx context.Context, tenantID int, conv *models.Conversation, descriptor models.TemplateDescriptor) error
}

// ConversationStore is the slice of internal/store.Store the engine
// needs to persist flow state and orders.
type ConversationStore interface {
	UpdateConversationState(tenantID int, id int64, state string, flowData []byte) error
	CreateOrder(o *models.Order) (int64, error)
	TransitionOrder(tenantID int, id int64, nextStatus string) error
	GetOrder(tenantID int, id int64) (*models.Order, error)
}

// BootstrapEnqueuer hands a prefetch job to internal/bootstrap on the
// first welcome send to a (tenant, customer).
type BootstrapEnqueuer interface {
	EnqueueWelcome(tenantID int, conversationID int64, customerAddress string) error
}

// WindowTracker is the slice of internal/window.Tracker the engine
// needs to resolve button-click responses (spec.md §4.10).
type WindowTracker interface {
	ConsumeCached(tenantID int, conversationID int64) (*models.TemplateCacheEntry, error)
	OpenWindowFromButtonClick(ctx context.Context, tenantID int, conversationID int64) error
}
