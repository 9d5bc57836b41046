package webhook

import (
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/sufrah/wa-gateway/models"
)

// InboundMessage is one parsed inbound message, ready to be persisted
// as a models.Message. A single provider callback carries exactly one
// message (spec.md §9's Twilio-style form post, one message per
// request — unlike the Cloud API's batched JSON envelope).
type InboundMessage struct {
	FromAddress       string
	ToAddress         string
	ProviderMessageID string
	Kind              string
	Body              string
	MediaAddress      string
	LocationJSON      []byte
	ButtonJSON        []byte
	ProfileName       string
}

// ParseInbound extracts the one inbound message carried by a
// form-encoded provider callback. Field names follow the provider's
// standard webhook form: From, To, MessageSid, Body, ButtonPayload,
// ButtonText, Latitude, Longitude, Address, ProfileName, NumMedia,
// MediaUrl0.
func ParseInbound(form url.Values) (InboundMessage, error) {
	im := InboundMessage{
		FromAddress:       form.Get("From"),
		ToAddress:         form.Get("To"),
		ProviderMessageID: form.Get("MessageSid"),
		Body:              form.Get("Body"),
		ProfileName:       form.Get("ProfileName"),
	}

	if lat, lng := form.Get("Latitude"), form.Get("Longitude"); lat != "" && lng != "" {
		latF, errLat := strconv.ParseFloat(lat, 64)
		lngF, errLng := strconv.ParseFloat(lng, 64)
		if errLat == nil && errLng == nil {
			im.Kind = models.KindLocation
			loc := models.LocationPayload{Latitude: latF, Longitude: lngF, Address: form.Get("Address")}
			b, err := json.Marshal(loc)
			if err != nil {
				return im, err
			}
			im.LocationJSON = b
			return im, nil
		}
	}

	if payload := form.Get("ButtonPayload"); payload != "" {
		im.Kind = models.KindButton
		btn := models.ButtonPayload{ID: payload, Text: form.Get("ButtonText")}
		b, err := json.Marshal(btn)
		if err != nil {
			return im, err
		}
		im.ButtonJSON = b
		if im.Body == "" {
			im.Body = btn.Text
		}
		return im, nil
	}

	if n, _ := strconv.Atoi(form.Get("NumMedia")); n > 0 {
		im.Kind = models.KindMedia
		im.MediaAddress = form.Get("MediaUrl0")
		return im, nil
	}

	im.Kind = models.KindText
	return im, nil
}
