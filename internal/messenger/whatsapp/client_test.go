package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sufrah/wa-gateway/models"
)

func testTenant() *models.Tenant {
	return &models.Tenant{
		ID:                 1,
		ProviderAccountID:  "1234567890",
		ProviderAuthSecret: "test-token",
	}
}

func TestSendTextSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		var body outgoingPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "text", body.Type)
		require.Equal(t, "hello", body.Text.Body)

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(sendResponse{
			Messages: []struct {
				ID string `json:"id"`
			}{{ID: "wamid.sent1"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	id, err := c.Send(context.Background(), testTenant(), "+14155550100", &models.Message{
		Kind: models.KindText,
		Body: "hello",
	})
	require.NoError(t, err)
	require.Equal(t, "wamid.sent1", id)
}

func TestSendProviderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(sendResponse{
			Error: &struct {
				Message string `json:"message"`
				Code    int    `json:"code"`
			}{Message: "recipient not on WhatsApp", Code: 131030},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.Send(context.Background(), testTenant(), "+14155550100", &models.Message{Kind: models.KindText, Body: "hi"})
	require.Error(t, err)

	var rejected *ErrProviderRejected
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, http.StatusBadRequest, rejected.StatusCode())
}

func TestSendTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body outgoingPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "template", body.Type)
		require.Equal(t, "order_confirmation", body.Template.Name)

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(sendResponse{
			Messages: []struct {
				ID string `json:"id"`
			}{{ID: "wamid.tpl1"}},
		})
	}))
	defer srv.Close()

	desc, err := json.Marshal(models.TemplateDescriptor{SID: "order_confirmation", Language: "en_US"})
	require.NoError(t, err)

	c := New(srv.URL, nil)
	id, err := c.Send(context.Background(), testTenant(), "+14155550100", &models.Message{
		Kind:                   models.KindTemplate,
		TemplateDescriptorJSON: desc,
	})
	require.NoError(t, err)
	require.Equal(t, "wamid.tpl1", id)
}

func TestInvalidateCacheForcesResolve(t *testing.T) {
	c := New("http://example.invalid", nil)
	tn := testTenant()
	cfg1 := c.resolve(tn)
	require.Equal(t, "test-token", cfg1.authToken)

	tn.ProviderAuthSecret = "rotated-token"
	cfg2 := c.resolve(tn)
	require.Equal(t, "test-token", cfg2.authToken, "cached config should not change until invalidated")

	c.InvalidateCache(tn.ID)
	cfg3 := c.resolve(tn)
	require.Equal(t, "rotated-token", cfg3.authToken)
}
