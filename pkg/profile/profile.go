// Package profile persists the per-client activity history keyed by
// fingerprint. History is security-relevant state (attempt counters
// feed ban escalation), so the backing store survives restarts.
package profile

import (
	"encoding/json"

	"github.com/sentrywall/sentrywall/pkg/event"
)

// Profile is the per-client record. Created on first connection,
// mutated on every subsequent event, never deleted by the engine.
type Profile struct {
	Host                string       `json:"host"`
	ConnectionDate      string       `json:"connection_date"`
	LastUsedPort        int          `json:"last_used_port"`
	LastConnectionTime  float64      `json:"last_connection_time"`
	LastEvent           *event.Event `json:"last_event,omitempty"`
	AttemptedAttacks    uint32       `json:"attempted_attacks"`
	LastAttemptedAttack string       `json:"last_attempted_attack"`
}

func (p *Profile) serialize() ([]byte, error) { return json.Marshal(p) }

func deserialize(data []byte) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Updates names the fields an update merges into a stored profile.
// Nil fields are left untouched.
type Updates struct {
	LastUsedPort        *int
	LastConnectionTime  *float64
	LastEvent           *event.Event
	AttemptedAttacks    *uint32
	LastAttemptedAttack *string
}

func (u Updates) apply(p *Profile) {
	if u.LastUsedPort != nil {
		p.LastUsedPort = *u.LastUsedPort
	}
	if u.LastConnectionTime != nil {
		p.LastConnectionTime = *u.LastConnectionTime
	}
	if u.LastEvent != nil {
		p.LastEvent = u.LastEvent
	}
	if u.AttemptedAttacks != nil {
		p.AttemptedAttacks = *u.AttemptedAttacks
	}
	if u.LastAttemptedAttack != nil {
		p.LastAttemptedAttack = *u.LastAttemptedAttack
	}
}
