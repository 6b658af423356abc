// Package geo resolves client IPs to locations through a MaxMind
// database and evaluates the banned-country policy.
package geo

import (
	"net"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"
)

// GeoData is the location attached to events and evaluated by the
// geolocation checks.
type GeoData struct {
	Continent string `json:"continent"`
	Country   string `json:"country"`
	City      string `json:"city"`
	ISOCode   string `json:"iso_code"`
}

type record struct {
	Continent struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"continent"`
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

type cacheEntry struct {
	data    *GeoData
	expires time.Time
}

// Locator wraps the GeoIP database. A Locator with no database is
// valid and degrades to "not found" on every lookup.
type Locator struct {
	reader *maxminddb.Reader
	logger *zap.Logger

	mu       sync.RWMutex
	cache    map[string]cacheEntry
	cacheTTL time.Duration
}

// NewLocator creates a Locator without a database.
func NewLocator(logger *zap.Logger) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{
		logger:   logger,
		cache:    make(map[string]cacheEntry),
		cacheTTL: 5 * time.Minute,
	}
}

// Open loads the GeoIP database at path. An unreadable database is a
// degraded-mode condition, not a fatal one: the Locator is returned
// usable with lookups answering nil.
func Open(path string, logger *zap.Logger) (*Locator, error) {
	l := NewLocator(logger)
	if path == "" {
		return l, nil
	}
	reader, err := maxminddb.Open(path)
	if err != nil {
		l.logger.Error("failed to load GeoIP database, geolocation checks disabled",
			zap.String("path", path), zap.Error(err))
		return l, err
	}
	l.reader = reader
	return l, nil
}

// WithCacheTTL overrides how long lookups are cached.
func (l *Locator) WithCacheTTL(ttl time.Duration) *Locator {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cacheTTL = ttl
	return l
}

// Close releases the database reader.
func (l *Locator) Close() {
	if l.reader != nil {
		_ = l.reader.Close()
	}
}

// Lookup resolves an IP to its location, or nil when the IP is not in
// the database, invalid, or no database is loaded.
func (l *Locator) Lookup(ip string) *GeoData {
	if l.reader == nil {
		return nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}

	l.mu.RLock()
	if entry, ok := l.cache[ip]; ok && time.Now().Before(entry.expires) {
		l.mu.RUnlock()
		return entry.data
	}
	l.mu.RUnlock()

	var rec record
	if err := l.reader.Lookup(parsed, &rec); err != nil {
		l.logger.Debug("GeoIP lookup failed", zap.String("ip", ip), zap.Error(err))
		return nil
	}
	data := &GeoData{
		Continent: rec.Continent.Names["en"],
		Country:   rec.Country.Names["en"],
		City:      rec.City.Names["en"],
		ISOCode:   rec.Country.ISOCode,
	}
	if data.Continent == "" && data.Country == "" && data.City == "" {
		return nil
	}

	l.mu.Lock()
	l.cache[ip] = cacheEntry{data: data, expires: time.Now().Add(l.cacheTTL)}
	l.mu.Unlock()
	return data
}

// Banned reports whether the IP resolves to one of the banned
// countries. Unresolvable IPs are not treated as banned.
func (l *Locator) Banned(ip string, bannedCountries []string) bool {
	data := l.Lookup(ip)
	if data == nil {
		return false
	}
	for _, c := range bannedCountries {
		if c == data.Country || c == data.ISOCode {
			return true
		}
	}
	return false
}
