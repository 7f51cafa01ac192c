package core

import (
	"fmt"
	"time"
)

// RequestEvent is an immutable capture of one HTTP request. Instances are
// built once by the middleware and shared across modules and the async
// batch worker; the Headers map must be treated as read-only.
type RequestEvent struct {
	RequestID   string
	Method      string
	Path        string
	QueryString string
	Headers     map[string]string
	Body        string
	SourceIP    string
	UserAgent   string
	UserID      string
	SessionID   string
	Fingerprint string
	Timestamp   time.Time

	// Zero until the response is known
	ResponseStatus int
	ResponseTimeMs int64
}

// WithResponseData returns a copy of the event carrying the observed
// response status and elapsed time
func (e RequestEvent) WithResponseData(status int, responseTimeMs int64) RequestEvent {
	e.ResponseStatus = status
	e.ResponseTimeMs = responseTimeMs
	return e
}

// Authenticated reports whether an identity was resolved for this request
func (e RequestEvent) Authenticated() bool {
	return e.UserID != ""
}

func (e RequestEvent) String() string {
	user := e.UserID
	if user == "" {
		user = "anonymous"
	}
	return fmt.Sprintf("%s %s from %s (user=%s)", e.Method, e.Path, e.SourceIP, user)
}

// ResponseEvent is an immutable capture of one HTTP response
type ResponseEvent struct {
	RequestID      string
	Path           string
	StatusCode     int
	ContentType    string
	Body           string
	ResponseTimeMs int64
}

// WithBody returns a copy of the event with a replacement body
func (r ResponseEvent) WithBody(body string) ResponseEvent {
	r.Body = body
	return r
}
