// Package whatsapp implements the outbound provider HTTP client used
// by internal/manager to actually place a WhatsApp Cloud API send
// (spec.md §4.7). It caches each tenant's resolved send configuration
// the way the teacher's TenantEmailer caches a resolved SMTP server
// set per tenant, with the same TTL-refresh-and-invalidate shape.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/sufrah/wa-gateway/models"
)

const defaultAPIVersion = "v19.0"
const defaultBaseURL = "https://graph.facebook.com"

const cacheExpiry = time.Hour

// senderConfig is the resolved, ready-to-use configuration for one
// tenant's outbound sends.
type senderConfig struct {
	phoneNumberID string
	authToken     string
	apiVersion    string
}

// Client sends messages through the WhatsApp Cloud API on behalf of
// many tenants, caching each tenant's resolved sender configuration.
// There is no library in the retrieved example pack for this
// transport, so it wraps net/http directly the way the teacher wraps
// net/smtp in messenger/email — stdlib is the grounded choice here,
// not a gap.
type Client struct {
	http    *http.Client
	baseURL string
	logger  *log.Logger

	mu          sync.RWMutex
	configs     map[int]senderConfig
	lastRefresh map[int]time.Time
}

// New returns a Client using logger for diagnostics. baseURL defaults
// to the production Graph API host when empty (tests override it to
// point at a local httptest server).
func New(baseURL string, logger *log.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		http:        &http.Client{Timeout: 15 * time.Second},
		baseURL:     baseURL,
		logger:      logger,
		configs:     make(map[int]senderConfig),
		lastRefresh: make(map[int]time.Time),
	}
}

// InvalidateCache forces the next Send for tenantID to re-derive its
// sender configuration, used after credential rotation.
func (c *Client) InvalidateCache(tenantID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.configs, tenantID)
	delete(c.lastRefresh, tenantID)
}

func (c *Client) resolve(t *models.Tenant) senderConfig {
	c.mu.RLock()
	cfg, ok := c.configs[t.ID]
	fresh := ok && time.Since(c.lastRefresh[t.ID]) < cacheExpiry
	c.mu.RUnlock()
	if fresh {
		return cfg
	}

	cfg = senderConfig{
		phoneNumberID: t.ProviderAccountID,
		authToken:     t.ProviderAuthSecret,
		apiVersion:    defaultAPIVersion,
	}

	c.mu.Lock()
	c.configs[t.ID] = cfg
	c.lastRefresh[t.ID] = time.Now()
	c.mu.Unlock()

	return cfg
}

// outgoingPayload is the Cloud API send-message request body. Only
// the shapes the gateway actually emits are modeled.
type outgoingPayload struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`

	Text *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`

	Template *templatePayload `json:"template,omitempty"`
}

type templatePayload struct {
	Name     string `json:"name"`
	Language struct {
		Code string `json:"code"`
	} `json:"language"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// ErrProviderRejected is returned when the provider responds with a
// non-2xx status, wrapping its error message and status for the
// caller/retry policy to inspect. StatusCode() satisfies
// internal/manager's classifiableError interface, which decides
// whether a failed send is terminal or worth retrying.
type ErrProviderRejected struct {
	Status  int
	Message string
}

func (e *ErrProviderRejected) Error() string {
	return fmt.Sprintf("whatsapp: provider rejected send (status %d): %s", e.Status, e.Message)
}

// StatusCode returns the provider's HTTP response status.
func (e *ErrProviderRejected) StatusCode() int {
	return e.Status
}

// Send places an outbound message for t, addressed to toAddress, and
// returns the provider-assigned message ID on success.
func (c *Client) Send(ctx context.Context, t *models.Tenant, toAddress string, msg *models.Message) (string, error) {
	cfg := c.resolve(t)

	payload := outgoingPayload{
		MessagingProduct: "whatsapp",
		To:               toAddress,
	}

	switch msg.Kind {
	case models.KindTemplate:
		var td models.TemplateDescriptor
		if len(msg.TemplateDescriptorJSON) > 0 {
			if err := json.Unmarshal(msg.TemplateDescriptorJSON, &td); err != nil {
				return "", fmt.Errorf("whatsapp: invalid template descriptor: %w", err)
			}
		}
		payload.Type = "template"
		tp := &templatePayload{Name: td.SID}
		tp.Language.Code = td.Language
		if tp.Language.Code == "" {
			tp.Language.Code = "en_US"
		}
		payload.Template = tp
	default:
		payload.Type = "text"
		payload.Text = &struct {
			Body string `json:"body"`
		}{Body: msg.Body}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, cfg.apiVersion, cfg.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var parsed sendResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := "unknown error"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", &ErrProviderRejected{Status: resp.StatusCode, Message: msg}
	}

	if len(parsed.Messages) == 0 {
		return "", fmt.Errorf("whatsapp: send accepted but no message id returned")
	}

	return parsed.Messages[0].ID, nil
}
