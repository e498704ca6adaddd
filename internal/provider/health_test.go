package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func testEngine() *Engine {
	return NewEngine(testSettings())
}

func TestEngine_StatusCodeClassification(t *testing.T) {
	e := testEngine()

	tests := []struct {
		status     int
		qualifying bool
		reason     string
	}{
		{429, true, "http_429"},
		{500, true, "http_500"},
		{503, true, "http_503"},
		{401, false, ""},
		{400, false, ""},
		{200, false, ""},
	}
	for _, tt := range tests {
		cls := e.Classify(Outcome{StatusCode: tt.status})
		if cls.Qualifying != tt.qualifying {
			t.Errorf("status %d: qualifying = %v, want %v", tt.status, cls.Qualifying, tt.qualifying)
		}
		if tt.qualifying && cls.Reason != tt.reason {
			t.Errorf("status %d: reason = %q, want %q", tt.status, cls.Reason, tt.reason)
		}
	}
}

func TestEngine_StatusDetailFromBody(t *testing.T) {
	e := testEngine()
	body := []byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	cls := e.Classify(Outcome{StatusCode: 529, Body: body})
	// 529 is not in the configured codes, but the parsed error.type matches.
	if !cls.Qualifying || cls.Reason != "error_type_overloaded_error" {
		t.Errorf("got %+v, want qualifying error_type_overloaded_error", cls)
	}
	if cls.Detail != "Overloaded" {
		t.Errorf("Detail = %q, want the parsed error message", cls.Detail)
	}
}

func TestEngine_TransportClassification(t *testing.T) {
	e := testEngine()

	cls := e.Classify(Outcome{Err: context.DeadlineExceeded})
	if !cls.Qualifying || cls.Reason != "network_timeout" {
		t.Errorf("deadline: got %+v, want qualifying network_timeout", cls)
	}

	cls = e.Classify(Outcome{Err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED)})
	if !cls.Qualifying || cls.Reason != "network_connection_error" {
		t.Errorf("refused: got %+v, want qualifying network_connection_error", cls)
	}

	// Client cancellation is never the provider's fault.
	cls = e.Classify(Outcome{Err: context.Canceled})
	if cls.Qualifying {
		t.Errorf("canceled: got qualifying %+v", cls)
	}
	if cls.Reason != "network_canceled" {
		t.Errorf("canceled: reason = %q", cls.Reason)
	}
}

func TestEngine_TransportQualifiesWithoutErrorTypeMatch(t *testing.T) {
	// Transport failures count toward the threshold even when the
	// configured error-type list covers only body error types.
	s := testSettings()
	s.UnhealthyErrorTypes = []string{"overloaded_error", "insufficient credits"}
	e := NewEngine(s)

	cls := e.Classify(Outcome{Err: context.DeadlineExceeded})
	if !cls.Qualifying || cls.Reason != "network_timeout" {
		t.Errorf("deadline: got %+v, want qualifying network_timeout", cls)
	}

	cls = e.Classify(Outcome{Err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED)})
	if !cls.Qualifying || cls.Reason != "network_connection_error" {
		t.Errorf("refused: got %+v, want qualifying network_connection_error", cls)
	}

	cls = e.Classify(Outcome{Err: context.Canceled})
	if cls.Qualifying {
		t.Errorf("canceled: got qualifying %+v", cls)
	}
}

func TestEngine_BodyPatternClassification(t *testing.T) {
	s := testSettings()
	s.UnhealthyResponseBodyPatterns = []string{`rate.?limit`, `quota exceeded`}
	e := NewEngine(s)

	cls := e.Classify(Outcome{StatusCode: 400, Body: []byte(`{"message":"Rate limit reached for tier"}`)})
	if !cls.Qualifying || cls.Reason != "body_pattern" {
		t.Errorf("got %+v, want qualifying body_pattern", cls)
	}
	if cls.Detail != `rate.?limit` {
		t.Errorf("Detail = %q, want the matched pattern", cls.Detail)
	}

	cls = e.Classify(Outcome{StatusCode: 200, Body: []byte(`{"content":"all good"}`)})
	if cls.Qualifying {
		t.Errorf("clean body classified as qualifying: %+v", cls)
	}
}

func TestEngine_SSEErrorClassification(t *testing.T) {
	e := testEngine()
	payload := []byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)

	cls := e.Classify(Outcome{Body: payload, SSEError: true})
	if !cls.Qualifying {
		t.Fatalf("overloaded SSE error should qualify, got %+v", cls)
	}
	if cls.Reason != "sse_error_type_overloaded_error" {
		t.Errorf("Reason = %q", cls.Reason)
	}

	// An invalid_request error frame is the client's problem, not the
	// provider's.
	payload = []byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad tool schema"}}`)
	if cls := e.Classify(Outcome{Body: payload, SSEError: true}); cls.Qualifying {
		t.Errorf("invalid_request SSE error should not qualify: %+v", cls)
	}
}

func TestEngine_ErrorTypeSubstringMatch(t *testing.T) {
	s := testSettings()
	s.UnhealthyErrorTypes = []string{"timeout"}
	e := NewEngine(s)

	body := []byte(`{"error":{"type":"timeout_error","message":"upstream deadline"}}`)
	if cls := e.Classify(Outcome{StatusCode: 200, Body: body}); !cls.Qualifying {
		t.Errorf("configured type should match as substring, got %+v", cls)
	}
}

func TestTransportClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.Canceled, "canceled"},
		{context.DeadlineExceeded, "timeout"},
		{&net.DNSError{IsTimeout: true}, "timeout"},
		{&net.DNSError{}, "connection_error"},
		{syscall.ECONNRESET, "connection_error"},
		{errors.New("mystery failure"), "connection_error"},
	}
	for _, tt := range tests {
		if got := TransportClass(tt.err); got != tt.want {
			t.Errorf("TransportClass(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
