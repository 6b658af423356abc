package waf

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentrywall/sentrywall/pkg/event"
	"github.com/sentrywall/sentrywall/pkg/httpx"
	"github.com/sentrywall/sentrywall/pkg/netkit"
	"github.com/sentrywall/sentrywall/pkg/profile"
	"github.com/sentrywall/sentrywall/pkg/tunnel"
)

// handleConnection runs one accepted client through the full pipeline:
// touch profile, ban check, dirty-client check, receive, parse, detect,
// respond. Failures are contained here and never escalate to the
// engine.
func (e *Engine) handleConnection(ctx context.Context, netConn net.Conn) {
	client := netkit.NewConnection(netConn, netkit.RoleClient, e.logger)
	defer client.Close()

	logger := e.logger.With(
		zap.String("handler_id", uuid.NewString()),
		zap.String("client", client.Addr().String()))
	e.metrics.totalRequests.Inc()

	e.touchProfile(client)

	if e.bans.Banned(client.Fingerprint()) {
		logger.Info("banned client blocked before receive")
		e.handleUnauthorized(client, nil, []event.Classifier{event.BannedAccess})
		return
	}

	if flags := e.pipeline.DirtyClient(client.IP()); flags != 0 {
		logger.Info("dirty client blocked before receive",
			zap.Any("classifiers", flags.Classifiers()))
		e.handleUnauthorized(client, nil, flags.Classifiers())
		return
	}

	raw, active := client.RecvUntil(ctx, httpx.ContainsBodySeparator)
	if !active {
		// Transport error before a full request: close, no event.
		return
	}

	tx, err := httpx.Parse(raw, client.Addr(), e.date())
	if err != nil {
		if errors.Is(err, httpx.ErrUnsupportedMethod) {
			logger.Warn("unsupported method, session closed", zap.String("method", tx.Method))
		} else {
			logger.Warn("malformed request, session closed", zap.Error(err))
		}
		return
	}

	if token := BlockToken(tx); token != "" {
		e.serveSecurityPage(client, token)
		return
	}

	result := e.pipeline.Run(ctx, tx)
	if result.Matched {
		logger.Warn("request blocked",
			zap.Any("classifiers", result.Classifiers),
			zap.String("path", tx.URL.Path))
		e.handleUnauthorized(client, tx, result.Classifiers)
		return
	}

	e.handleAuthorized(ctx, client, tx)
}

// touchProfile creates the client's profile on first contact. Repeat
// connections keep their history; store failures degrade to a logged
// warning so the primary path stays available.
func (e *Engine) touchProfile(client *netkit.Connection) {
	epoch, date := e.now()
	connected := &event.Event{Kind: event.KindConnection, ID: event.Token()}
	p := &profile.Profile{
		Host:               client.IP(),
		ConnectionDate:     date,
		LastUsedPort:       client.Port(),
		LastConnectionTime: epoch,
		LastEvent:          connected,
	}
	if err := e.profiles.Insert(client.Fingerprint(), p); err != nil {
		e.logger.Warn("profile insert failed, continuing with ephemeral history", zap.Error(err))
	}
}

// handleAuthorized relays the transaction to the origin and the framed
// response back to the client, then journals the access event.
func (e *Engine) handleAuthorized(ctx context.Context, client *netkit.Connection, tx *httpx.Transaction) {
	epoch, date := e.now()
	record := &event.Record{
		IP:           client.IP(),
		Port:         client.Port(),
		Download:     true,
		SysEpochTime: epoch,
		CreationDate: date,
		Geolocation:  e.locator.Lookup(client.IP()),
	}
	ev := &event.Event{
		Kind:    event.KindAuthorized,
		ID:      tx.Hash(),
		Log:     record,
		Request: tx,
	}

	port := client.Port()
	if err := e.profiles.Update(client.Fingerprint(), profile.Updates{
		LastUsedPort:       &port,
		LastConnectionTime: &epoch,
		LastEvent:          ev,
	}); err != nil {
		e.logger.Warn("profile update failed", zap.Error(err))
	}

	origin, err := netkit.Dial(ctx, netkit.HostAddress{IP: e.cfg.Origin.Host, Port: e.cfg.Origin.Port}, netkit.RoleOrigin, e.logger)
	if err != nil {
		// Session fails closed with no ban side-effect.
		e.metrics.originFailures.Inc()
		e.logger.Error("origin unreachable", zap.String("origin", e.cfg.Origin.String()), zap.Error(err))
		return
	}
	defer origin.Close()

	if !origin.WriteAll(tx.Raw) {
		return
	}
	response, ok := recvResponse(ctx, origin)
	if !ok {
		return
	}
	if !client.WriteAll(response) {
		return
	}

	e.events.Append(ev)
	e.metrics.allowedRequests.Inc()
	e.notify(tunnel.AccessLogUpdate, e.events.AccessEvents())
}

// recvResponse reads an origin response: head until the blank-line
// separator, then as many body bytes as Content-Length promises. A
// missing Content-Length means no body is expected.
func recvResponse(ctx context.Context, origin *netkit.Connection) ([]byte, bool) {
	head, active := origin.RecvUntil(ctx, httpx.ContainsBodySeparator)
	if !active {
		return nil, false
	}
	contentLength := httpx.ContentLength(head)
	if contentLength < 0 {
		return head, true
	}
	already := len(head) - httpx.BodyOffset(head)
	remaining := contentLength - already
	if remaining <= 0 {
		return head, true
	}
	rest, active := origin.RecvUntil(ctx, func(b []byte) bool { return len(b) >= remaining })
	if !active && len(rest) < remaining {
		return nil, false
	}
	return append(head, rest...), true
}

// handleUnauthorized journals a security event, escalates the client's
// profile and answers with the block redirect. tx is nil when the
// client was blocked before a request was read.
func (e *Engine) handleUnauthorized(client *netkit.Connection, tx *httpx.Transaction, classifiers []event.Classifier) {
	epoch, date := e.now()
	record := &event.Record{
		IP:           client.IP(),
		Port:         client.Port(),
		Download:     true,
		SysEpochTime: epoch,
		CreationDate: date,
		Geolocation:  e.locator.Lookup(client.IP()),
		Classifiers:  classifiers,
	}
	if tx != nil {
		record.MaliciousData = tx.Raw
	}
	ev := &event.Event{
		Kind:    event.KindUnauthorized,
		ID:      event.Token(),
		Log:     record,
		Request: tx,
	}

	attempts := e.escalate(client, ev, epoch, classifiers)
	if attempts > e.cfg.Banning.Threshold {
		duration := time.Duration(int(attempts)*e.cfg.Banning.Factor) * time.Second
		e.bans.Insert(client.Fingerprint(), time.Now(), duration)
	}

	e.events.Append(ev)
	e.metrics.blockedRequests.Inc()
	for _, c := range classifiers {
		e.metrics.blockedByClass.WithLabelValues(string(c)).Inc()
	}

	client.WriteAll(redirectResponse(ev.ID))

	e.notify(tunnel.SecurityLogUpdate, map[string]any{
		"events":       e.events.SecurityEvents(),
		"distribution": e.events.Distribution(),
	})
}

// escalate bumps the client's attempt counter under the profile
// store's per-fingerprint critical section and returns the new count.
// An unreadable profile counts the offense as the first.
func (e *Engine) escalate(client *netkit.Connection, ev *event.Event, epoch float64, classifiers []event.Classifier) uint32 {
	names := make([]string, len(classifiers))
	for i, c := range classifiers {
		names[i] = string(c)
	}
	lastAttack := strings.Join(names, ",")

	attempts := uint32(1)
	err := e.profiles.UpdateFunc(client.Fingerprint(), func(p *profile.Profile) *profile.Profile {
		if p == nil {
			e.logger.Warn("profile unavailable during escalation, assuming first offense")
			p = &profile.Profile{Host: client.IP(), ConnectionDate: ev.Log.CreationDate}
		} else {
			attempts = p.AttemptedAttacks + 1
		}
		p.LastUsedPort = client.Port()
		p.LastConnectionTime = epoch
		p.LastEvent = ev
		p.AttemptedAttacks = attempts
		p.LastAttemptedAttack = lastAttack
		return p
	})
	if err != nil {
		e.logger.Warn("profile escalation update failed", zap.Error(err))
	}
	return attempts
}

// serveSecurityPage answers a /block?token=... request with the page
// variant selected by the originating event's classifiers.
func (e *Engine) serveSecurityPage(client *netkit.Connection, token string) {
	var classifiers []event.Classifier
	if ev := e.events.Find(token); ev != nil && ev.Log != nil {
		classifiers = ev.Log.Classifiers
	}
	page, err := e.pages.Render(classifiers, token)
	if err != nil {
		e.logger.Error("security page render failed", zap.Error(err))
		return
	}
	client.WriteAll(page)
}
