package acl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrRetryLimit is returned by Run when both the primary source and the
// backup failed more times than the refresher tolerates.
var ErrRetryLimit = errors.New("acl: reached retry limit, check source connectivity")

// Refresher periodically re-fetches the anonymizing-proxy list from its
// primary source, falling back to a local backup file, and swaps the
// result into the List.
type Refresher struct {
	list       *List
	api        string
	backup     string
	interval   time.Duration
	maxRetries int
	client     *http.Client
	logger     *zap.Logger
}

func NewRefresher(list *List, api, backup string, interval time.Duration, maxRetries int, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		list:       list,
		api:        api,
		backup:     backup,
		interval:   interval,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Refresh performs one fetch-and-swap. Primary source first, backup
// file second; an error means both failed.
func (r *Refresher) Refresh(ctx context.Context) error {
	entries, err := r.fetchPrimary(ctx)
	if err != nil {
		r.logger.Warn("ACL primary fetch failed, trying backup",
			zap.String("api", r.api), zap.Error(err))
		entries, err = r.fetchBackup()
		if err != nil {
			return err
		}
	}
	r.list.Replace(entries)
	r.logger.Info("access list refreshed", zap.Int("entries", r.list.Len()))
	return nil
}

// Run keeps the list fresh until ctx is cancelled. Consecutive refresh
// failures past the retry bound escalate to ErrRetryLimit: an
// unreachable ACL degrades, but must not silently disable anonymity
// checks indefinitely.
func (r *Refresher) Run(ctx context.Context) error {
	retries := 0
	for {
		if err := r.Refresh(ctx); err != nil {
			retries++
			r.logger.Warn("access list refresh failed",
				zap.Int("attempt", retries), zap.Int("max", r.maxRetries), zap.Error(err))
			if retries > r.maxRetries {
				return fmt.Errorf("%w: %w", ErrRetryLimit, err)
			}
		} else {
			retries = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.interval):
		}
	}
}

func (r *Refresher) fetchPrimary(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.api, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("acl: fetch %s: unexpected status %d", r.api, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return strings.Split(string(body), "\n"), nil
}

func (r *Refresher) fetchBackup() ([]string, error) {
	data, err := os.ReadFile(r.backup)
	if err != nil {
		return nil, fmt.Errorf("acl: backup unavailable at %s: %w", r.backup, err)
	}
	return strings.Split(string(data), "\n"), nil
}
