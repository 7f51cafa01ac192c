package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// maxRequestBodyCapture caps how much of a request body is copied into the
// event. The full body is always replayed to the downstream handler.
const maxRequestBodyCapture = 64 * 1024

// IdentityResolver extracts the authenticated user and session from a
// request. Return empty strings for anonymous traffic.
type IdentityResolver func(r *http.Request) (userID, sessionID string)

// BasicAuthIdentity is the default resolver: the Basic auth username as the
// user id, and the session cookie (or X-Session-Id header) as the session.
func BasicAuthIdentity(r *http.Request) (string, string) {
	userID := ""
	if user, _, ok := r.BasicAuth(); ok {
		userID = user
	}
	sessionID := r.Header.Get("X-Session-Id")
	if cookie, err := r.Cookie("SESSION"); err == nil && cookie.Value != "" {
		sessionID = cookie.Value
	}
	return userID, sessionID
}

// blockedResponse is the JSON body returned for denied requests
type blockedResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	RequestID string `json:"requestId"`
}

// Middleware adapts the engine to net/http. It captures the request into an
// event, consults the engine before calling the downstream handler, buffers
// the response so modules can inspect and rewrite it, and feeds the
// completed request to the async analysis buffer.
func Middleware(engine *Engine, logger Logger, identity IdentityResolver) func(http.Handler) http.Handler {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if identity == nil {
		identity = BasicAuthIdentity
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			event := captureRequest(r, identity)

			verdict := engine.ProcessRequest(r.Context(), event)
			if verdict.IsThreat() {
				// Denials only happen in ACTIVE mode. Module verdicts are
				// already suppressed by the engine in MONITOR mode, but the
				// blocklist pre-checks come back as Block regardless.
				if engine.cfg.ActiveMode() {
					switch verdict.Action {
					case ActionBlock, ActionChallenge:
						writeDenial(w, http.StatusForbidden, verdict, event, logger)
						return
					case ActionThrottle:
						writeDenial(w, http.StatusTooManyRequests, verdict, event, logger)
						return
					}
				} else {
					logger.Warn("Would have denied request", map[string]interface{}{
						"request_id": event.RequestID,
						"event":      event.String(),
						"module":     verdict.ModuleID,
						"reason":     verdict.Reason,
					})
				}
			}

			start := time.Now()
			rec := newResponseRecorder(w)

			defer func() {
				elapsed := time.Since(start).Milliseconds()

				if p := recover(); p != nil {
					// The handler never finished; record the failure for
					// batch analysis and let the server's recovery run.
					engine.SubmitForAsyncAnalysis(event.WithResponseData(http.StatusInternalServerError, elapsed))
					panic(p)
				}

				response := ResponseEvent{
					RequestID:      event.RequestID,
					Path:           event.Path,
					StatusCode:     rec.Status(),
					ContentType:    rec.Header().Get("Content-Type"),
					Body:           rec.body.String(),
					ResponseTimeMs: elapsed,
				}
				processed := engine.ProcessResponse(r.Context(), response)

				if err := rec.flush(processed.Body); err != nil {
					logger.Error("Failed to write response", map[string]interface{}{
						"request_id": event.RequestID,
						"error":      err,
					})
				}

				engine.SubmitForAsyncAnalysis(event.WithResponseData(rec.Status(), elapsed))
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

// captureRequest snapshots the request into an immutable event. The body is
// consumed up to the capture cap and replayed so the downstream handler sees
// the original stream.
func captureRequest(r *http.Request, identity IdentityResolver) RequestEvent {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	var body string
	if r.Body != nil && r.Body != http.NoBody {
		captured, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyCapture))
		if err == nil {
			body = string(captured)
			r.Body = struct {
				io.Reader
				io.Closer
			}{io.MultiReader(bytes.NewReader(captured), r.Body), r.Body}
		}
	}

	userID, sessionID := identity(r)
	sourceIP := clientIP(r)
	userAgent := r.Header.Get("User-Agent")

	return RequestEvent{
		RequestID:   requestID(),
		Method:      r.Method,
		Path:        r.URL.Path,
		QueryString: r.URL.RawQuery,
		Headers:     headers,
		Body:        body,
		SourceIP:    sourceIP,
		UserAgent:   userAgent,
		UserID:      userID,
		SessionID:   sessionID,
		Fingerprint: clientFingerprint(r, userAgent),
		Timestamp:   time.Now(),
	}
}

func requestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// clientIP resolves the caller's address: first X-Forwarded-For hop, then
// X-Real-IP, then the socket peer
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientFingerprint hashes the stable client-presented headers into a short
// token. Two clients sharing an IP but differing in stack still separate.
func clientFingerprint(r *http.Request, userAgent string) string {
	raw := strings.Join([]string{
		userAgent,
		r.Header.Get("Accept"),
		r.Header.Get("Accept-Language"),
		r.Header.Get("Accept-Encoding"),
	}, "|")
	return fmt.Sprintf("%016x", xxhash.Sum64String(raw))
}

func writeDenial(w http.ResponseWriter, status int, verdict ThreatVerdict, event RequestEvent, logger Logger) {
	logger.Warn("Request denied", map[string]interface{}{
		"request_id": event.RequestID,
		"event":      event.String(),
		"module":     verdict.ModuleID,
		"reason":     verdict.Reason,
		"status":     status,
	})

	body, err := json.Marshal(blockedResponse{
		Error:     "Request blocked by SentinAI",
		Reason:    verdict.Reason,
		RequestID: event.RequestID,
	})
	if err != nil {
		http.Error(w, "Request blocked", status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body) //nolint:errcheck
}

// responseRecorder buffers the downstream response so modules can inspect
// and replace the body before anything reaches the client
type responseRecorder struct {
	underlying  http.ResponseWriter
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{underlying: w}
}

func (r *responseRecorder) Header() http.Header {
	return r.underlying.Header()
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(p)
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// flush writes the buffered (possibly rewritten) response to the client.
// Content-Length is recomputed because modules may have changed the body.
func (r *responseRecorder) flush(body string) error {
	r.underlying.Header().Set("Content-Length", strconv.Itoa(len(body)))
	r.underlying.WriteHeader(r.Status())
	_, err := io.WriteString(r.underlying, body)
	return err
}
