package httpx

import (
	"encoding/base64"
	"net/url"
	"unicode/utf8"
)

// DecodeEvasions normalizes a value an attacker may have layered
// encodings on. It percent-decodes, then attempts a base64 decode of
// the result and uses it when it yields valid UTF-8. Both layers are
// tried unconditionally since signatures are matched against the
// innermost form. Decoding failures never raise; the last successfully
// decoded form is returned.
func DecodeEvasions(value string) string {
	decoded := value
	if unescaped, err := url.PathUnescape(value); err == nil {
		decoded = unescaped
	}
	if b, err := base64.StdEncoding.DecodeString(decoded); err == nil && utf8.Valid(b) {
		decoded = string(b)
	}
	return decoded
}

// decodeQueryValue applies the standard form unescape (the first
// percent layer, '+' as space) before the evasion pass.
func decodeQueryValue(value string) string {
	decoded := value
	if unescaped, err := url.QueryUnescape(value); err == nil {
		decoded = unescaped
	}
	return DecodeEvasions(decoded)
}

// ParseQueryParams decodes a query or form-encoded string into a
// multi-value parameter map. Malformed pairs are kept with their raw
// text rather than dropped.
func ParseQueryParams(query string) map[string][]string {
	params := make(map[string][]string)
	if query == "" {
		return params
	}
	for _, pair := range splitPairs(query) {
		key, value := pair[0], pair[1]
		key = decodeQueryValue(key)
		params[key] = append(params[key], decodeQueryValue(value))
	}
	return params
}

func splitPairs(query string) [][2]string {
	var pairs [][2]string
	start := 0
	for i := 0; i <= len(query); i++ {
		if i == len(query) || query[i] == '&' || query[i] == ';' {
			if i > start {
				seg := query[start:i]
				key, value := seg, ""
				for j := 0; j < len(seg); j++ {
					if seg[j] == '=' {
						key, value = seg[:j], seg[j+1:]
						break
					}
				}
				pairs = append(pairs, [2]string{key, value})
			}
			start = i + 1
		}
	}
	return pairs
}
