package detect

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sentrywall/sentrywall/pkg/acl"
	"github.com/sentrywall/sentrywall/pkg/event"
	"github.com/sentrywall/sentrywall/pkg/geo"
	"github.com/sentrywall/sentrywall/pkg/httpx"
	"github.com/sentrywall/sentrywall/pkg/netkit"
	"github.com/sentrywall/sentrywall/pkg/signature"
)

const (
	xffSeparator  = ","
	pairSeparator = ","
	escapePrefix  = "`"
)

// Pipeline evaluates transactions against the signature database, the
// access list and the geolocation policy. Safe for concurrent use; the
// signature sets and ACL snapshots are immutable once published.
type Pipeline struct {
	Signatures      *signature.DB
	ACL             *acl.List
	Geo             *geo.Locator
	BannedCountries []string
	Logger          *zap.Logger
}

func NewPipeline(db *signature.DB, list *acl.List, locator *geo.Locator, bannedCountries []string, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		Signatures:      db,
		ACL:             list,
		Geo:             locator,
		BannedCountries: bannedCountries,
		Logger:          logger,
	}
}

// DirtyClient validates a raw client IP before any request is read:
// known anonymizing sources and banned geolocations are blocked without
// ever touching the socket again. Both flags may be set at once.
func (p *Pipeline) DirtyClient(ip string) Flags {
	var flags Flags
	if p.ACL.Contains(ip) {
		flags |= FlagAnonymity
	}
	if p.Geo.Banned(ip, p.BannedCountries) {
		flags |= FlagBannedGeolocation
	}
	return flags
}

// Run evaluates all four checks concurrently. Every check completes
// before the verdict is chosen, because the proxy-trust check fills in
// the transaction's real host address as a side effect the response
// path reads regardless of outcome. When several checks match, the
// lowest priority number wins.
func (p *Pipeline) Run(ctx context.Context, tx *httpx.Transaction) CheckResult {
	checks := []func(*httpx.Transaction) CheckResult{
		p.ValidateXFF,
		p.CheckPath,
		p.CheckSQLi,
		p.CheckXSS,
	}
	results := make([]CheckResult, len(checks))

	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check func(*httpx.Transaction) CheckResult) {
			defer wg.Done()
			results[i] = check(tx)
		}(i, check)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return pass()
	}
	for _, result := range results {
		if result.Matched {
			return result
		}
	}
	return pass()
}

// ValidateXFF is the proxy-trust check. With no forwarding header the
// owner is the real host. Otherwise every hop is validated against the
// access list and the banned-geolocation set concurrently; a clean
// chain promotes the last (nearest-to-origin) hop to real host.
func (p *Pipeline) ValidateXFF(tx *httpx.Transaction) CheckResult {
	header, ok := tx.Header(httpx.HeaderXFF)
	if !ok {
		owner := tx.Owner
		tx.RealHost = &owner
		return pass()
	}

	rawHops := strings.Split(header, xffSeparator)
	hops := make([]string, 0, len(rawHops))
	for _, hop := range rawHops {
		hops = append(hops, strings.TrimSpace(hop))
	}

	flagsByHop := make([]Flags, len(hops))
	validByHop := make([]bool, len(hops))
	var wg sync.WaitGroup
	for i, hop := range hops {
		wg.Add(1)
		go func(i int, hop string) {
			defer wg.Done()
			validByHop[i] = netkit.ValidIP(hop)
			flagsByHop[i] = p.DirtyClient(hop)
		}(i, hop)
	}
	wg.Wait()

	for i := range hops {
		if !validByHop[i] {
			// A hop that is not an address at all is a spoofed chain.
			p.Logger.Debug("unparsable hop in forwarding chain", zap.String("hop", hops[i]))
			return CheckResult{Matched: true}
		}
		if flagsByHop[i] != 0 {
			return match(flagsByHop[i].Classifiers()...)
		}
	}

	tx.RealHost = &netkit.HostAddress{IP: hops[len(hops)-1], Port: tx.Owner.Port}
	return pass()
}

// CheckPath fails the transaction when its URL path contains any entry
// of the unauthorized-locations signature set.
func (p *Pipeline) CheckPath(tx *httpx.Transaction) CheckResult {
	for _, loc := range p.Signatures.ForbiddenPaths() {
		if strings.Contains(tx.URL.Path, loc) {
			return match(event.UnauthorizedAccess)
		}
	}
	return pass()
}

// CheckSQLi tests every decoded parameter value: a context-escape
// prefix matches immediately; otherwise the general keyword set is
// tried, then the paired-keyword set where a keyword alone is not
// sufficient and must co-occur with at least one of its pair tokens.
func (p *Pipeline) CheckSQLi(tx *httpx.Transaction) CheckResult {
	for _, values := range tx.QueryParams {
		for _, value := range values {
			if strings.HasPrefix(value, escapePrefix) {
				return match(event.SqlInjection)
			}
		}
	}

	general := p.Signatures.SQLGeneral()
	paired := p.Signatures.SQLPaired()
	for _, values := range tx.QueryParams {
		for _, value := range values {
			folded := strings.ToLower(value)
			for _, sig := range general {
				if strings.Contains(folded, strings.ToLower(sig)) {
					return match(event.SqlInjection)
				}
			}
			for keyword, pairs := range paired {
				if strings.Contains(folded, strings.ToLower(keyword)) && keywordPaired(value, pairs) {
					return match(event.SqlInjection)
				}
			}
		}
	}
	return pass()
}

// keywordPaired reports whether the value carries at least one required
// pair token. Single tokens match by substring; comma-delimited groups
// require every sub-token present.
func keywordPaired(value string, pairs []string) bool {
	for _, pair := range pairs {
		if !strings.Contains(pair, pairSeparator) {
			if strings.Contains(value, pair) {
				return true
			}
			continue
		}
		all := true
		for _, sub := range strings.Split(pair, pairSeparator) {
			if !strings.Contains(value, sub) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// CheckXSS substring-matches every decoded parameter value against the
// XSS signature set.
func (p *Pipeline) CheckXSS(tx *httpx.Transaction) CheckResult {
	keywords := p.Signatures.XSSKeywords()
	for _, values := range tx.QueryParams {
		for _, value := range values {
			for _, sig := range keywords {
				if strings.Contains(value, sig) {
					return match(event.XSS)
				}
			}
		}
	}
	return pass()
}
