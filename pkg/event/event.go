package event

import (
	"encoding/json"

	"github.com/sentrywall/sentrywall/pkg/geo"
	"github.com/sentrywall/sentrywall/pkg/httpx"
)

// Kind is the lifecycle category of an event.
type Kind string

const (
	KindConnection    Kind = "Connection"
	KindDisconnection Kind = "Disconnection"
	KindAuthorized    Kind = "Authorized Request"
	KindUnauthorized  Kind = "Unauthorized Request"
)

// Record is the log object attached to an event. Access records leave
// the security fields empty; security records carry the classifier set
// and any captured malicious data.
type Record struct {
	IP            string            `json:"ip"`
	Port          int               `json:"port"`
	Download      bool              `json:"download"`
	SysEpochTime  float64           `json:"sys_epoch_time"`
	CreationDate  string            `json:"creation_date"`
	Geolocation   *geo.GeoData      `json:"geolocation,omitempty"`
	Classifiers   []Classifier      `json:"classifiers,omitempty"`
	MaliciousData []byte            `json:"malicious_data,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// IsSecurity reports whether the record was produced by a blocked
// transaction.
func (r *Record) IsSecurity() bool { return len(r.Classifiers) > 0 }

// Event is one classified occurrence in a connection's lifecycle.
// Created once, immutable, serialized for storage and tunnel transport.
//
// The id is a random 8-character token for connection and unauthorized
// events. For authorized events it is the hash of the transaction, so
// repeated identical requests correlate.
type Event struct {
	Kind     Kind               `json:"kind"`
	ID       string             `json:"id"`
	Log      *Record            `json:"log,omitempty"`
	Request  *httpx.Transaction `json:"request,omitempty"`
	Response *httpx.Transaction `json:"response,omitempty"`
}

// Serialize encodes the event for storage and tunnel transport.
func (e *Event) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

// Deserialize decodes a serialized event.
func Deserialize(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
