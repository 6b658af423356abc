package waf

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"regexp"

	"github.com/Masterminds/sprig/v3"

	"github.com/sentrywall/sentrywall/pkg/config"
	"github.com/sentrywall/sentrywall/pkg/event"
	"github.com/sentrywall/sentrywall/pkg/httpx"
)

// blockTokenRe recognizes the fixed security-page route. The token is
// the originating event's id, enabling correlation.
var blockTokenRe = regexp.MustCompile(`^/block\?token=([a-z0-9]{8})$`)

// BlockToken extracts the security-page token from a transaction, or
// "" when the transaction is not a /block request.
func BlockToken(tx *httpx.Transaction) string {
	target := tx.URL.Path
	if tx.URL.RawQuery != "" {
		target += "?" + tx.URL.RawQuery
	}
	m := blockTokenRe.FindStringSubmatch(target)
	if m == nil {
		return ""
	}
	return m[1]
}

// redirectResponse builds the raw 302 that sends a blocked client to
// its security page.
func redirectResponse(token string) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 302 Found\r\n")
	b.WriteString("Location: /block?token=" + token + "\r\n\r\n")
	return b.Bytes()
}

const defaultPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8">
    <title>{{ .Header }}</title>
</head>
<body>
    <h1>{{ .Header }}</h1>
    <p>{{ .FurtherInformation | default "Contact the site administrator." }}</p>
    <p>Incident token: <code>{{ .Token }}</code></p>
</body>
</html>`

// PageRenderer renders the security page served on the /block route.
type PageRenderer struct {
	tmpl  *template.Template
	pages config.SecurityPage
}

// NewPageRenderer parses the configured template, or the built-in one
// when no template path is configured.
func NewPageRenderer(pages config.SecurityPage) (*PageRenderer, error) {
	text := defaultPageTemplate
	if pages.TemplatePath != "" {
		data, err := os.ReadFile(pages.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("waf: read security page template: %w", err)
		}
		text = string(data)
	}
	tmpl, err := template.New("security_page").Funcs(sprig.HtmlFuncMap()).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("waf: parse security page template: %w", err)
	}
	return &PageRenderer{tmpl: tmpl, pages: pages}, nil
}

// variant picks the page text by the classifier set: attack styles map
// to the attack variant, Anonymity alone to the anonymity variant,
// BannedGeolocation alone to the geo variant, and their combination to
// the dirty variant.
func (r *PageRenderer) variant(classifiers []event.Classifier) config.PageVariant {
	var anonymity, banned bool
	for _, c := range classifiers {
		switch c {
		case event.Anonymity:
			anonymity = true
		case event.BannedGeolocation:
			banned = true
		}
	}
	switch {
	case anonymity && banned:
		return r.pages.Dirty
	case anonymity:
		return r.pages.Anonymity
	case banned:
		return r.pages.Geolocation
	default:
		return r.pages.Attack
	}
}

// Render produces the complete raw HTTP response carrying the page.
func (r *PageRenderer) Render(classifiers []event.Classifier, token string) ([]byte, error) {
	v := r.variant(classifiers)
	var body bytes.Buffer
	err := r.tmpl.Execute(&body, map[string]string{
		"Header":             v.Header,
		"FurtherInformation": v.FurtherInformation,
		"Token":              token,
	})
	if err != nil {
		return nil, fmt.Errorf("waf: render security page: %w", err)
	}

	var resp bytes.Buffer
	resp.WriteString("HTTP/1.1 200 OK\r\n")
	resp.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	resp.WriteString(fmt.Sprintf("Content-Length: %d\r\n", body.Len()))
	resp.WriteString("Connection: close\r\n\r\n")
	resp.Write(body.Bytes())
	return resp.Bytes(), nil
}
