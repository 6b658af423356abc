package httpx

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/sentrywall/sentrywall/pkg/netkit"
)

// ErrUnsupportedMethod signals that parameter extraction for the
// transaction's method is recognized but not implemented. The rest of
// the transaction is still parsed.
var ErrUnsupportedMethod = errors.New("unsupported method")

// ErrMalformedRequest signals a request line that does not split into
// method, target and version.
var ErrMalformedRequest = errors.New("malformed request line")

// Well-known header names used across the engine.
const (
	HeaderHost          = "Host"
	HeaderContentLength = "Content-Length"
	HeaderUserAgent     = "User-Agent"
	HeaderXFF           = "X-Forwarded-For"
)

// Transaction is the parsed representation of one HTTP request.
// Immutable after Parse, except for RealHost which the proxy-trust
// check fills in once the forwarding chain is validated.
type Transaction struct {
	Owner        netkit.HostAddress  `json:"owner"`
	RealHost     *netkit.HostAddress `json:"real_host_address,omitempty"`
	Raw          []byte              `json:"raw"`
	CreationDate string              `json:"creation_date"`
	Method       string              `json:"method"`
	URL          *url.URL            `json:"url"`
	Version      string              `json:"version"`
	Headers      map[string]string   `json:"headers"`
	Body         []byte              `json:"body"`
	QueryParams  map[string][]string `json:"query_params"`
}

// Hash returns the stable 8-character id of the transaction, derived
// from its raw bytes. Used as the event id for authorized requests.
func (t *Transaction) Hash() string {
	sum := blake2b.Sum256(t.Raw)
	return hex.EncodeToString(sum[:4])
}

// Header returns a header value, or "" when absent.
func (t *Transaction) Header(name string) (string, bool) {
	v, ok := t.Headers[name]
	return v, ok
}

// Parse processes a raw HTTP request into a Transaction. Methods other
// than GET and POST parse fully but return ErrUnsupportedMethod since
// their parameter extraction is explicitly unimplemented.
func Parse(raw []byte, owner netkit.HostAddress, creationDate string) (*Transaction, error) {
	tx := &Transaction{
		Owner:        owner,
		Raw:          raw,
		CreationDate: creationDate,
		Headers:      map[string]string{},
		QueryParams:  map[string][]string{},
	}
	if err := tx.parseRequestLine(); err != nil {
		return tx, err
	}
	tx.parseHeadersAndBody()
	return tx, tx.parseParams()
}

func (t *Transaction) parseRequestLine() error {
	line, _, _ := bytes.Cut(t.Raw, crlf)
	parts := strings.SplitN(strings.TrimSpace(string(line)), " ", 3)
	if len(parts) != 3 {
		return fmt.Errorf("%w: %q", ErrMalformedRequest, string(line))
	}
	t.Method, t.Version = parts[0], parts[2]

	target := DecodeEvasions(parts[1])
	u, err := url.Parse(target)
	if err != nil {
		// Keep the undecoded form rather than failing the parse.
		path, query, _ := strings.Cut(parts[1], "?")
		u = &url.URL{Path: path, RawQuery: query}
	}
	t.URL = u
	return nil
}

func (t *Transaction) parseHeadersAndBody() {
	offset := BodyOffset(t.Raw)
	head := t.Raw
	if offset >= 0 {
		head = t.Raw[:offset-len(bodySeparator)]
		t.Body = t.Raw[offset:]
	}
	lines := bytes.Split(head, crlf)
	for _, line := range lines[1:] {
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok || len(name) == 0 {
			continue
		}
		// Duplicate header names overwrite.
		t.Headers[string(name)] = string(bytes.TrimSpace(value))
	}
}

func (t *Transaction) parseParams() error {
	switch t.Method {
	case "GET":
		t.QueryParams = ParseQueryParams(t.URL.RawQuery)
	case "POST":
		t.QueryParams = ParseQueryParams(t.URL.RawQuery)
		// Body parameters take precedence on key collision.
		for key, values := range ParseQueryParams(string(t.Body)) {
			t.QueryParams[key] = values
		}
	case "PUT", "DELETE", "HEAD", "TRACE", "OPTIONS":
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, t.Method)
	}
	return nil
}
