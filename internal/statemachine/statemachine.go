// Package statemachine drives the conversational order flow: welcome
// → order type → browse → cart → address/branch → payment → submit →
// track (spec.md §4.9). It implements internal/webhook.Dispatcher, so
// the inbound pipeline hands it one persisted message per call and
// never blocks on it beyond logging a failure.
//
// There is no teacher equivalent for a conversational flow; the
// dispatch-table shape is grounded on the teacher's convention of
// small, explicit, named closures (manager.go's TemplateFuncs map) —
// here a switch in Handle over the state name, one handler method per
// state, plays the same role.
package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"regexp"
	"strconv"
	"strings"

	null "gopkg.in/volatiletech/null.v6"

	"github.com/sufrah/wa-gateway/models"
)

// Conversation states (spec.md §4.9).
const (
	StateNew                = "NEW"
	StateAwaitingType       = "AWAITING_TYPE"
	StateAwaitingLocation   = "AWAITING_LOCATION"
	StateAwaitingBranch     = "AWAITING_BRANCH"
	StateBrowsingCategories = "BROWSING_CATEGORIES"
	StateBrowsingItems      = "BROWSING_ITEMS"
	StateAwaitingQuantity   = "AWAITING_QUANTITY"
	StateCartOverview       = "CART_OVERVIEW"
	StateAwaitingRemoval    = "AWAITING_REMOVAL"
	StateAwaitingPayment    = "AWAITING_PAYMENT"
	StateOrderSubmitted     = "ORDER_SUBMITTED"
	StateTracking           = "TRACKING"
	StateHandover           = "HANDOVER"
)

// maxQuantity bounds a single cart line's quantity (spec.md §4.9).
const maxQuantity = 20

// reservedButtonIDs never reach the state machine: they resolve
// directly against the template cache instead (spec.md §4.10).
var reservedButtonIDs = map[string]bool{
	"view_order": true,
}

var latLngPattern = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)`)

// CartItem is a committed cart line.
type CartItem struct {
	ItemID     string `json:"item_id"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	PriceMinor int64  `json:"price_minor"`
}

// pendingItem is staged between BROWSING_ITEMS and AWAITING_QUANTITY.
type pendingItem struct {
	ItemID     string `json:"item_id"`
	Name       string `json:"name"`
	PriceMinor int64  `json:"price_minor"`
}

// FlowData is the conversation's accumulated checkout state, persisted
// as Conversation.FlowData JSON so the engine owns its shape without a
// schema migration per field.
type FlowData struct {
	OrderType         string              `json:"order_type,omitempty"`
	DeliveryLatitude  float64             `json:"delivery_latitude,omitempty"`
	DeliveryLongitude float64             `json:"delivery_longitude,omitempty"`
	DeliveryAddress   string              `json:"delivery_address,omitempty"`
	Branch            *BranchOption       `json:"branch,omitempty"`
	PendingCategoryID string              `json:"pending_category_id,omitempty"`
	PendingItem       *pendingItem        `json:"pending_item,omitempty"`
	Cart              []CartItem          `json:"cart,omitempty"`
	PaymentMethod     string              `json:"payment_method,omitempty"`
	CurrentOrderID    int64               `json:"current_order_id,omitempty"`
}

func loadFlow(raw []byte) FlowData {
	var f FlowData
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &f)
	}
	return f
}

func (f FlowData) marshal() []byte {
	b, _ := json.Marshal(f)
	return b
}

func (f FlowData) cartTotal() int64 {
	var total int64
	for _, it := range f.Cart {
		total += it.PriceMinor * int64(it.Quantity)
	}
	return total
}

// Engine implements webhook.Dispatcher.
type Engine struct {
	Store     ConversationStore
	Catalog   Catalog
	Gateway   OrderGateway
	Outbox    Outbox
	Bootstrap BootstrapEnqueuer
	Window    WindowTracker
	Log       *log.Logger
	Currency  string // defaults to "SAR" when empty
}

func (e *Engine) currency() string {
	if e.Currency == "" {
		return "SAR"
	}
	return e.Currency
}

// Handle is the single entry point the inbound pipeline calls for
// every bot-enabled conversation's message.
func (e *Engine) Handle(ctx context.Context, t *models.Tenant, conv *models.Conversation, msg *models.Message) error {
	if msg.Kind == models.KindButton {
		if id, ok := buttonID(msg); ok && reservedButtonIDs[id] {
			return e.handleButtonResponse(ctx, t, conv, id)
		}
	}

	token, text := inputToken(msg)

	if strings.EqualFold(token, "new_order") {
		return e.reset(ctx, t, conv)
	}

	flow := loadFlow(conv.FlowData)

	var (
		next = conv.State
		err  error
	)

	switch conv.State {
	case StateNew:
		next, err = e.handleNew(ctx, t, conv, &flow)
	case StateAwaitingType:
		next, err = e.handleAwaitingType(ctx, t, conv, &flow, token)
	case StateAwaitingLocation:
		next, err = e.handleAwaitingLocation(ctx, t, conv, &flow, msg, text)
	case StateAwaitingBranch:
		next, err = e.handleAwaitingBranch(ctx, t, conv, &flow, token, text)
	case StateBrowsingCategories:
		next, err = e.handleBrowsingCategories(ctx, t, conv, &flow, token, text)
	case StateBrowsingItems:
		next, err = e.handleBrowsingItems(ctx, t, conv, &flow, token, text)
	case StateAwaitingQuantity:
		next, err = e.handleAwaitingQuantity(ctx, t, conv, &flow, token)
	case StateCartOverview:
		next, err = e.handleCartOverview(ctx, t, conv, &flow, token)
	case StateAwaitingRemoval:
		next, err = e.handleAwaitingRemoval(ctx, t, conv, &flow, token, text)
	case StateAwaitingPayment:
		next, err = e.handleAwaitingPayment(ctx, t, conv, &flow, token)
	case StateOrderSubmitted, StateTracking:
		next, err = e.handleTracking(ctx, t, conv, &flow, token)
	case StateHandover:
		return nil
	default:
		next = StateNew
	}
	if err != nil {
		if e.Log != nil {
			e.Log.Printf("statemachine: conversation %d handler error in state %s: %v", conv.ID, conv.State, err)
		}
		return e.Store.UpdateConversationState(t.ID, conv.ID, next, flow.marshal())
	}

	conv.State = next
	conv.FlowData = flow.marshal()
	return e.Store.UpdateConversationState(t.ID, conv.ID, next, conv.FlowData)
}

func (e *Engine) reset(ctx context.Context, t *models.Tenant, conv *models.Conversation) error {
	flow := FlowData{}
	if err := e.sendText(ctx, t, conv, msgWelcome); err != nil {
		return err
	}
	conv.State = StateAwaitingType
	conv.FlowData = flow.marshal()
	return e.Store.UpdateConversationState(t.ID, conv.ID, conv.State, conv.FlowData)
}

func (e *Engine) handleNew(ctx context.Context, t *models.Tenant, conv *models.Conversation, flow *FlowData) (string, error) {
	if err := e.sendText(ctx, t, conv, msgWelcome); err != nil {
		return StateNew, err
	}
	if e.Bootstrap != nil {
		if err := e.Bootstrap.EnqueueWelcome(t.ID, conv.ID, conv.CustomerAddress); err != nil && e.Log != nil {
			e.Log.Printf("statemachine: bootstrap enqueue failed for conversation %d: %v", conv.ID, err)
		}
	}
	return StateAwaitingType, nil
}

func (e *Engine) handleAwaitingType(ctx context.Context, t *models.Tenant, conv *models.Conversation, flow *FlowData, token string) (string, error) {
	switch {
	case strings.Contains(token, "delivery") || token == "1":
		flow.OrderType = models.OrderTypeDelivery
		if err := e.sendText(ctx, t, conv, msgAskLocation); err != nil {
			return StateAwaitingType, err
		}
		return StateAwaitingLocation, nil
	case strings.Contains(token, "pickup") || strings.Contains(token, "takeaway") || token == "2":
		flow.OrderType = models.OrderTypeTakeaway
		branches, err := e.Catalog.Branches(ctx, t.ID)
		if err != nil {
			return StateAwaitingType, err
		}
		if err := e.sendText(ctx, t, conv, msgAskBranch+"\n"+formatBranches(branches)); err != nil {
			return StateAwaitingType, err
		}
		return StateAwaitingBranch, nil
	default:
		return StateAwaitingType, e.sendText(ctx, t, conv, msgClarifyOrderType)
	}
}

func (e *Engine) handleAwaitingLocation(ctx context.Context, t *models.Tenant, conv *models.Conversation, flow *FlowData, msg *models.Message, text string) (string, error) {
	var loc *models.LocationPayload
	if msg.Kind == models.KindLocation && len(msg.LocationJSON) > 0 {
		var l models.LocationPayload
		if err := json.Unmarshal(msg.LocationJSON, &l); err == nil {
			loc = &l
		}
	}
	if loc == nil {
		if m := latLngPattern.FindStringSubmatch(text); len(m) == 3 {
			lat, _ := strconv.ParseFloat(m[1], 64)
			lng, _ := strconv.ParseFloat(m[2], 64)
			loc = &models.LocationPayload{Latitude: lat, Longitude: lng}
		}
	}
	if loc == nil {
		return StateAwaitingLocation, e.sendText(ctx, t, conv, msgAskLocation)
	}

	flow.DeliveryLatitude = loc.Latitude
	flow.DeliveryLongitude = loc.Longitude
	flow.DeliveryAddress = loc.Address

	return e.enterCategories(ctx, t, conv, flow)
}

func (e *Engine) handleAwaitingBranch(ctx context.Context, t *models.Tenant, conv *models.Conversation, flow *FlowData, token, text string) (string, error) {
	branches, err := e.Catalog.Branches(ctx, t.ID)
	if err != nil {
		return StateAwaitingBranch, err
	}

	branch := resolveBranch(branches, token, text)
	if branch == nil {
		return StateAwaitingBranch, e.sendText(ctx, t, conv, msgAskBranch+"\n"+formatBranches(branches))
	}

	flow.Branch = branch
	return e.enterCategories(ctx, t, conv, flow)
}

func (e *Engine) enterCategories(ctx context.Context, t *models.Tenant, conv *models.Conversation, flow *FlowData) (string, error) {
	cats, err := e.Catalog.Categories(ctx, t.ID)
	if err != nil {
		return StateBrowsingCategories, err
	}
	if err := e.sendText(ctx, t, conv, msgAskCategory+"\n"+formatCategories(cats)); err != nil {
		return StateBrowsingCategories, err
	}
	return StateBrowsingCategories, nil
}

func (e *Engine) handleBrowsingCategories(ctx context.Context, t *models.Tenant, conv *models.Conversation, flow *FlowData, token, text string) (string, error) {
	cats, err := e.Catalog.Categories(ctx, t.ID)
	if err != nil {
		return StateBrowsingCategories, err
	}

	catID := resolveCategory(cats, token, text)
	if catID == "" {
		return StateBrowsingCategories, e.sendText(ctx, t, conv, msgAskCategory+"\n"+formatCategories(cats))
	}

	items, err := e.Catalog.Items(ctx, t.ID, catID)
	if err != nil {
		return StateBrowsingCategories, err
	}
	flow.PendingCategoryID = catID
	if err := e.sendText(ctx, t, conv, msgAskItem+"\n"+formatItems(items)); err != nil {
		return StateBrowsingCategories, err
	}
	return StateBrowsingItems, nil
}

func (e *Engine) handleBrowsingItems(ctx context.Context, t *models.Tenant, conv *models.Conversation, flow *FlowData, token, text string) (string, error) {
	items, err := e.Catalog.Items(ctx, t.ID, flow.PendingCategoryID)
	if err != nil {
		return StateBrowsingItems, err
	}

	item := resolveItem(items, token, text)
	if item == nil {
		return StateBrowsingItems, e.sendText(ctx, t, conv, msgAskItem+"\n"+formatItems(items))
	}

	flow.PendingItem = &pendingItem{ItemID: item.ID, Name: item.Name, PriceMinor: item.PriceMinor}
	if err := e.sendText(ctx, t, conv, msgAskQuantity); err != nil {
		return StateBrowsingItems, err
	}
	return StateAwaitingQuantity, nil
}

func (e *Engine) handleAwaitingQuantity(ctx context.Context, t *models.Tenant, conv *models.Conversation, flow *FlowData, token string) (string, error) {
	n, ok := parseQuantity(token)
	if !ok || n < 1 || n > maxQuantity {
		return StateAwaitingQuantity, e.sendText(ctx, t, conv, msgQuantityOutOfRange)
	}
	if flow.PendingItem == nil {
		return StateBrowsingCategories, e.sendText(ctx, t, conv, msgAskCategory)
	}

	flow.Cart = append(flow.Cart, CartItem{
		ItemID:     flow.PendingItem.ItemID,
		Name:       flow.PendingItem.Name,
		Quantity:   n,
		PriceMinor: flow.PendingItem.PriceMinor,
	})
	flow.PendingItem = nil

	if err := e.sendText(ctx, t, conv, msgCartOverview); err != nil {
		return StateAwaitingQuantity, err
	}
	return StateCartOverview, nil
}

func (e *Engine) handleCartOverview(ctx context.Context, t *models.Tenant, conv *models.Conversation, flow *FlowData, token string) (string, error) {
	switch {
	case token == "add":
		return e.enterCategories(ctx, t, conv, flow)
	case token == "remove" || strings.HasPrefix(token, "remove_item_"):
		if len(flow.Cart) == 0 {
			return StateCartOverview, e.sendText(ctx, t, conv, msgEmptyCart)
		}
		return StateAwaitingRemoval, e.sendText(ctx, t, conv, msgAskRemoval+"\n"+formatCart(*flow))
	case token == "view":
		return StateCartOverview, e.sendText(ctx, t, conv, formatCart(*flow))
	case token == "checkout":
		return e.handleCheckout(ctx, t, conv, flow)
	default:
		return StateCartOverview, e.sendText(ctx, t, conv, msgCartOverview)
	}
}

func (e *Engine) handleAwaitingRemoval(ctx context.Context, t *models.Tenant, conv *models.Conversation, flow *FlowData, token, text string) (string, error) {
	idx := resolveRemoval(flow.Cart, token, text)
	if idx < 0 {
		return StateAwaitingRemoval, e.sendText(ctx, t, conv, msgRemovalNotFound)
	}
	flow.Cart = append(flow.Cart[:idx], flow.Cart[idx+1:]...)
	return StateCartOverview, e.sendText(ctx, t, conv, msgCartOverview)
}

func (e *Engine) handleCheckout(ctx context.Context, t *models.Tenant, conv *models.Conversation, flow *FlowData) (string, error) {
	if len(flow.Cart) == 0 {
		return StateCartOverview, e.sendText(ctx, t, conv, msgEmptyCart)
	}
	if flow.OrderType == models.OrderTypeDelivery && flow.DeliveryAddress == "" && flow.DeliveryLatitude == 0 && flow.DeliveryLongitude == 0 {
		return StateCartOverview, e.sendText(ctx, t, conv, msgAskLocation)
	}
	if flow.OrderType == models.OrderTypeTakeaway && flow.Branch == nil {
		return StateCartOverview, e.sendText(ctx, t, conv, msgAskBranch)
	}

	if err := e.sendText(ctx, t, conv, msgCheckoutSummary+"\n"+formatCart(*flow)); err != nil {
		return StateCartOverview, err
	}
	return StateAwaitingPayment, nil
}

func (e *Engine) handleAwaitingPayment(ctx context.Context, t *models.Tenant, conv *models.Conversation, flow *FlowData, token string) (string, error) {
	switch {
	case strings.Contains(token, "online"):
		flow.PaymentMethod = models.PaymentOnline
	case strings.Contains(token, "cash"):
		flow.PaymentMethod = models.PaymentCash
	default:
		return StateAwaitingPayment, e.sendText(ctx, t, conv, msgCheckoutSummary)
	}

	order := e.assembleOrder(t.ID, conv, *flow)
	orderID, err := e.Store.CreateOrder(order)
	if err != nil {
		return StateAwaitingPayment, err
	}
	order.ID = orderID
	flow.CurrentOrderID = orderID

	externalNumber, err := e.Gateway.Submit(ctx, t.ID, order)
	if err != nil {
		_ = e.sendText(ctx, t, conv, messageForGatewayError(classifyGatewayError(err)))
		return StateAwaitingPayment, nil
	}

	if err := e.Store.TransitionOrder(t.ID, orderID, models.OrderStatusConfirmed); err != nil {
		return StateAwaitingPayment, err
	}

	if err := e.sendText(ctx, t, conv, sprintfOrderConfirmed(externalNumber)); err != nil {
		return StateAwaitingPayment, err
	}
	return StateOrderSubmitted, nil
}

func (e *Engine) handleTracking(ctx context.Context, t *models.Tenant, conv *models.Conversation, flow *FlowData, token string) (string, error) {
	if !strings.Contains(token, "track") && !strings.Contains(token, "status") {
		return conv.State, nil
	}
	if flow.CurrentOrderID == 0 {
		return conv.State, e.sendText(ctx, t, conv, msgGenericError)
	}
	order, err := e.Store.GetOrder(t.ID, flow.CurrentOrderID)
	if err != nil {
		return conv.State, err
	}
	if err := e.sendText(ctx, t, conv, "حالة طلبك الحالية: "+order.Status); err != nil {
		return conv.State, err
	}
	return StateTracking, nil
}

// handleButtonResponse implements spec.md §4.10: a reserved button
// click is resolved against the template cache and never touches
// conversation state.
func (e *Engine) handleButtonResponse(ctx context.Context, t *models.Tenant, conv *models.Conversation, buttonID string) error {
	if e.Window != nil {
		_ = e.Window.OpenWindowFromButtonClick(ctx, t.ID, conv.ID)
	}
	if e.Window == nil {
		return e.sendText(ctx, t, conv, msgButtonExpired)
	}
	entry, err := e.Window.ConsumeCached(t.ID, conv.ID)
	if err != nil {
		return e.sendText(ctx, t, conv, msgButtonExpired)
	}
	return e.sendText(ctx, t, conv, entry.Payload)
}

func (e *Engine) sendText(ctx context.Context, t *models.Tenant, conv *models.Conversation, body string) error {
	return e.Outbox.SendText(ctx, t.ID, conv, body)
}

func (e *Engine) assembleOrder(tenantID int, conv *models.Conversation, flow FlowData) *models.Order {
	items := make([]models.OrderItem, 0, len(flow.Cart))
	for _, c := range flow.Cart {
		items = append(items, models.OrderItem{
			ItemID:         c.ItemID,
			Name:           c.Name,
			Quantity:       c.Quantity,
			UnitPriceMinor: c.PriceMinor,
		})
	}
	itemsJSON, _ := json.Marshal(items)

	o := &models.Order{
		ConversationID: conv.ID,
		TenantID:       tenantID,
		Status:         models.OrderStatusDraft,
		OrderType:      flow.OrderType,
		Items:          itemsJSON,
		TotalMinor:     flow.cartTotal(),
		Currency:       e.currency(),
	}
	if flow.OrderType == models.OrderTypeDelivery && flow.DeliveryAddress != "" {
		o.DeliveryAddress = null.StringFrom(flow.DeliveryAddress)
	}
	if flow.Branch != nil {
		o.BranchID = null.StringFrom(flow.Branch.ID)
	}
	if flow.PaymentMethod != "" {
		o.PaymentMethod = null.StringFrom(flow.PaymentMethod)
	}
	return o
}

func classifyGatewayError(err error) error {
	for _, known := range []error{
		ErrNoBranchSelected, ErrMissingPaymentMethod, ErrInvalidItems,
		ErrAPIError, ErrConfigMissing, ErrMerchantNotConfigured, ErrCustomerInfoMissing,
	} {
		if errors.Is(err, known) {
			return known
		}
	}
	return ErrAPIError
}

func sprintfOrderConfirmed(externalNumber string) string {
	return strings.Replace(msgOrderConfirmed, "%s", externalNumber, 1)
}
