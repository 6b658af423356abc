package waf

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrywall/sentrywall/pkg/config"
	"github.com/sentrywall/sentrywall/pkg/event"
	"github.com/sentrywall/sentrywall/pkg/httpx"
	"github.com/sentrywall/sentrywall/pkg/netkit"
)

func testPages() config.SecurityPage {
	return config.SecurityPage{
		Attack:      config.PageVariant{Header: "Attack detected", FurtherInformation: "Your request was classified as an attack."},
		Anonymity:   config.PageVariant{Header: "Anonymous source"},
		Geolocation: config.PageVariant{Header: "Banned location"},
		Dirty:       config.PageVariant{Header: "Dirty client"},
	}
}

func blockTx(t *testing.T, target string) *httpx.Transaction {
	t.Helper()
	tx, err := httpx.Parse([]byte("GET "+target+" HTTP/1.1\r\nHost: x\r\n\r\n"), netkit.HostAddress{IP: "192.0.2.1", Port: 4242}, "d")
	require.NoError(t, err)
	return tx
}

func TestBlockToken(t *testing.T) {
	tests := []struct {
		name   string
		target string
		token  string
	}{
		{"valid token", "/block?token=ab12cd34", "ab12cd34"},
		{"wrong path", "/blocked?token=ab12cd34", ""},
		{"short token", "/block?token=ab12", ""},
		{"uppercase token", "/block?token=AB12CD34", ""},
		{"trailing junk", "/block?token=ab12cd34x", ""},
		{"no query", "/block", ""},
		{"ordinary request", "/index.html", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.token, BlockToken(blockTx(t, tt.target)))
		})
	}
}

func TestRedirectResponse(t *testing.T) {
	raw := string(redirectResponse("ab12cd34"))
	assert.True(t, strings.HasPrefix(raw, "HTTP/1.1 302 Found\r\n"))
	assert.Contains(t, raw, "Location: /block?token=ab12cd34\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\n"))
}

func TestRenderVariantSelection(t *testing.T) {
	r, err := NewPageRenderer(testPages())
	require.NoError(t, err)

	tests := []struct {
		name        string
		classifiers []event.Classifier
		header      string
	}{
		{"attack", []event.Classifier{event.SqlInjection}, "Attack detected"},
		{"anonymity", []event.Classifier{event.Anonymity}, "Anonymous source"},
		{"banned geolocation", []event.Classifier{event.BannedGeolocation}, "Banned location"},
		{"both dirty flags", []event.Classifier{event.Anonymity, event.BannedGeolocation}, "Dirty client"},
		{"no classifiers", nil, "Attack detected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := r.Render(tt.classifiers, "ab12cd34")
			require.NoError(t, err)
			body := string(page)
			assert.True(t, strings.HasPrefix(body, "HTTP/1.1 200 OK\r\n"))
			assert.Contains(t, body, tt.header)
			assert.Contains(t, body, "ab12cd34")
		})
	}
}

func TestRenderFallbackInformation(t *testing.T) {
	r, err := NewPageRenderer(testPages())
	require.NoError(t, err)

	page, err := r.Render([]event.Classifier{event.Anonymity}, "ab12cd34")
	require.NoError(t, err)
	assert.Contains(t, string(page), "Contact the site administrator.")
}

func TestNewPageRendererMissingTemplate(t *testing.T) {
	pages := testPages()
	pages.TemplatePath = "/no/such/template.html"
	_, err := NewPageRenderer(pages)
	assert.Error(t, err)
}
