package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/claude-balancer/internal/config"
)

// Outcome describes one finished upstream attempt for health evaluation.
// Exactly one of StatusCode/Err is usually set; Body carries the response
// body (or the payload of a terminal SSE error frame) when one was read.
type Outcome struct {
	StatusCode int
	Err        error
	Body       []byte

	// SSEError marks Body as the payload of an `event: error` frame.
	SSEError bool
}

// Classification is the health engine's verdict on an Outcome. Qualifying
// failures count toward the unhealthy threshold and allow failover; anything
// else surfaces to the client untouched.
type Classification struct {
	Qualifying bool
	Reason     string
	Detail     string
}

// Engine classifies upstream outcomes against the configured unhealthy
// rules, in fixed precedence: HTTP status, transport error class, then body
// probing (parsed error.type first, regex patterns second).
type Engine struct {
	codes    map[int]struct{}
	types    []string
	patterns *PatternList
}

// NewEngine builds a classifier from the settings snapshot.
func NewEngine(s config.Settings) *Engine {
	e := &Engine{
		codes:    make(map[int]struct{}, len(s.UnhealthyHTTPCodes)),
		types:    make([]string, 0, len(s.UnhealthyErrorTypes)),
		patterns: NewPatternList(s.UnhealthyResponseBodyPatterns),
	}
	for _, c := range s.UnhealthyHTTPCodes {
		e.codes[c] = struct{}{}
	}
	for _, t := range s.UnhealthyErrorTypes {
		if t != "" {
			e.types = append(e.types, strings.ToLower(t))
		}
	}
	return e
}

// Classify returns the verdict for one upstream outcome.
func (e *Engine) Classify(o Outcome) Classification {
	if o.StatusCode != 0 {
		if _, ok := e.codes[o.StatusCode]; ok {
			return Classification{
				Qualifying: true,
				Reason:     fmt.Sprintf("http_%d", o.StatusCode),
				Detail:     errorDetail(o.Body),
			}
		}
	}

	if o.Err != nil {
		class := TransportClass(o.Err)
		// Transport failures always count regardless of the configured
		// error-type list; a client cancel is not the provider's fault.
		if class == "canceled" {
			return Classification{Reason: "network_" + class, Detail: o.Err.Error()}
		}
		return Classification{Qualifying: true, Reason: "network_" + class, Detail: o.Err.Error()}
	}

	if len(o.Body) > 0 {
		if t := gjson.GetBytes(o.Body, "error.type").String(); t != "" && e.typeMatches(t) {
			reason := "error_type_" + t
			if o.SSEError {
				reason = "sse_" + reason
			}
			return Classification{Qualifying: true, Reason: reason, Detail: errorDetail(o.Body)}
		}
		if pat, ok := e.patterns.Match(string(o.Body)); ok {
			reason := "body_pattern"
			if o.SSEError {
				reason = "sse_body_pattern"
			}
			return Classification{Qualifying: true, Reason: reason, Detail: pat}
		}
	}

	return Classification{}
}

func (e *Engine) typeMatches(t string) bool {
	t = strings.ToLower(t)
	for _, want := range e.types {
		if strings.Contains(t, want) {
			return true
		}
	}
	return false
}

// TransportClass buckets a transport-level error for classification and
// logging: "canceled", "timeout" or "connection_error".
func TransportClass(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return "connection_error"
	}
	// Anything else surfaced by the HTTP client is a connection problem from
	// the balancer's point of view.
	return "connection_error"
}

// errorDetail extracts error.message from an error body, falling back to a
// truncated copy of the body itself.
func errorDetail(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return msg
	}
	const max = 200
	s := string(body)
	if len(s) > max {
		s = s[:max]
	}
	return s
}
