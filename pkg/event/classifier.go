// Package event defines the forensic records of the engine: classifiers,
// events, access/security logs, event tokens, and the time-ordered event
// manager that feeds the tunnel.
package event

// Classifier names why a transaction was judged malicious. It doubles
// as the selector for the security-page content.
type Classifier string

const (
	SqlInjection       Classifier = "Sql Injection"
	XSS                Classifier = "Cross Site Scripting"
	RemoteFileInc      Classifier = "Remote File Inclusion"
	LocalFileInc       Classifier = "Local File Inclusion"
	UnauthorizedAccess Classifier = "Unauthorized Access"
	BannedAccess       Classifier = "Banned Access"
	BannedGeolocation  Classifier = "Banned Geolocation"
	Anonymity          Classifier = "Anonymization"
)

// Classifiers enumerates the closed tag set.
var Classifiers = []Classifier{
	SqlInjection,
	XSS,
	RemoteFileInc,
	LocalFileInc,
	UnauthorizedAccess,
	BannedAccess,
	BannedGeolocation,
	Anonymity,
}

// IsAttack reports whether the classifier names an attack style, as
// opposed to a client-reputation verdict.
func (c Classifier) IsAttack() bool {
	switch c {
	case SqlInjection, XSS, RemoteFileInc, LocalFileInc, UnauthorizedAccess, BannedAccess:
		return true
	}
	return false
}
