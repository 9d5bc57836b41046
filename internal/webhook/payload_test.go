package webhook

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sufrah/wa-gateway/models"
)

func TestParseInboundText(t *testing.T) {
	form := url.Values{
		"From":       {"+14155550100"},
		"To":         {"+15550009999"},
		"MessageSid": {"SM.abc123"},
		"Body":       {"hello there"},
	}

	im, err := ParseInbound(form)
	require.NoError(t, err)
	require.Equal(t, models.KindText, im.Kind)
	require.Equal(t, "hello there", im.Body)
	require.Equal(t, "SM.abc123", im.ProviderMessageID)
	require.Equal(t, "+15550009999", im.ToAddress)
}

func TestParseInboundButtonReply(t *testing.T) {
	form := url.Values{
		"From":          {"+14155550100"},
		"To":            {"+15550009999"},
		"MessageSid":    {"SM.btn1"},
		"ButtonPayload": {"confirm_order"},
		"ButtonText":    {"Confirm"},
	}

	im, err := ParseInbound(form)
	require.NoError(t, err)
	require.Equal(t, models.KindButton, im.Kind)
	require.NotEmpty(t, im.ButtonJSON)
	require.Contains(t, string(im.ButtonJSON), "confirm_order")
}

func TestParseInboundLocation(t *testing.T) {
	form := url.Values{
		"From":       {"+14155550100"},
		"To":         {"+15550009999"},
		"MessageSid": {"SM.loc1"},
		"Latitude":   {"30.05"},
		"Longitude":  {"31.23"},
		"Address":    {"Cairo"},
	}

	im, err := ParseInbound(form)
	require.NoError(t, err)
	require.Equal(t, models.KindLocation, im.Kind)
	require.NotEmpty(t, im.LocationJSON)
	require.Contains(t, string(im.LocationJSON), "Cairo")
}

func TestParseInboundMedia(t *testing.T) {
	form := url.Values{
		"From":       {"+14155550100"},
		"To":         {"+15550009999"},
		"MessageSid": {"SM.med1"},
		"NumMedia":   {"1"},
		"MediaUrl0":  {"https://provider.example.com/media/abc"},
	}

	im, err := ParseInbound(form)
	require.NoError(t, err)
	require.Equal(t, models.KindMedia, im.Kind)
	require.Equal(t, "https://provider.example.com/media/abc", im.MediaAddress)
}

func TestParseInboundProfileNameCarried(t *testing.T) {
	form := url.Values{
		"From":        {"+14155550100"},
		"To":          {"+15550009999"},
		"MessageSid":  {"SM.name1"},
		"Body":        {"hi"},
		"ProfileName": {"Amani"},
	}

	im, err := ParseInbound(form)
	require.NoError(t, err)
	require.Equal(t, "Amani", im.ProfileName)
}
