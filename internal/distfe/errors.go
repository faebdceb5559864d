package distfe

import "fmt"

// Server status codes of interest. Everything else is a hard failure.
const (
	StatusNoMore          = "137" // batch exhausted everything currently available
	StatusMoreAvailable   = "138" // more documents beyond this batch
	StatusWrongAuthorizer = "215" // retry with the next authorizing code, same cursor
	StatusRateLimited     = "656" // service-wide rate limit, enter cooldown
)

// ProtocolError carries the full server context so the caller can decide
// between "retry later" and "investigate".
type ProtocolError struct {
	Status     string
	Message    string
	Authorizer string
	LastCursor string
	MaxCursor  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("distribution service status %s (%s) authorizer=%s lastNSU=%s maxNSU=%s",
		e.Status, e.Message, e.Authorizer, e.LastCursor, e.MaxCursor)
}

// RateLimited reports whether the error is the service-wide throttle status.
func (e *ProtocolError) RateLimited() bool {
	return e.Status == StatusRateLimited
}
