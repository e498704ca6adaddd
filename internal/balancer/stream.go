package balancer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-balancer/internal/broadcast"
	"github.com/nulpointcorp/claude-balancer/internal/config"
	"github.com/nulpointcorp/claude-balancer/internal/dedup"
	"github.com/nulpointcorp/claude-balancer/internal/logger"
	"github.com/nulpointcorp/claude-balancer/internal/provider"
	"github.com/nulpointcorp/claude-balancer/internal/translate"
	"github.com/nulpointcorp/claude-balancer/internal/upstream"
	"github.com/nulpointcorp/claude-balancer/pkg/apierr"
)

// httpError carries an already-rendered client response through the dedup
// registry, so followers surface exactly what the owner saw.
type httpError struct {
	status int
	body   []byte
}

func (e *httpError) Error() string {
	return fmt.Sprintf("upstream error (HTTP %d)", e.status)
}

// serveStream drives the streaming failover loop. Failover is only possible
// before the first body byte reaches the client, so each candidate is probed
// with a one-event lookahead; once a viable first event arrives the stream
// is handed to a broadcaster and the client pump takes over.
func (s *Server) serveStream(ctx *fasthttp.RequestCtx, req *translate.MessagesRequest, raw []byte, ticket *dedup.Ticket) {
	start := time.Now()
	set := s.settings()

	cands, matched := s.providers.Candidates(req.Model)
	if !matched {
		s.failStream(ctx, ticket, fasthttp.StatusNotFound,
			apierr.Body(apierr.TypeNotFound, fmt.Sprintf("no route configured for model %q", req.Model)))
		return
	}
	if len(cands) == 0 {
		s.failStream(ctx, ticket, fasthttp.StatusServiceUnavailable,
			apierr.Body(apierr.TypeOverloaded, "no healthy provider available for this model"))
		return
	}
	if ticket != nil {
		s.recordDedup("owner", "started")
	}

	primary := cands[0].Provider.Name()
	var (
		failovers  int
		lastReason = "unknown"
	)

	for i, cand := range cands {
		name := cand.Provider.Name()
		prov := cand.Provider.Def()
		more := i < len(cands)-1

		cred, err := s.resolveCredential(ctx, prov)
		if err != nil {
			s.log.Warn("credential resolution failed",
				"provider", name, "error", err)
			lastReason = "credentials"
			failovers = s.noteFailover(primary, name, nextName(cands, i), "credentials", failovers, more)
			continue
		}

		// The producer context derives from the app base context, never
		// the owner's connection: parked followers must keep receiving
		// even when the owner disconnects.
		prodCtx, prodCancel := context.WithCancel(s.baseCtx)

		release, err := s.connLimiter().Acquire(prodCtx, name)
		if err != nil {
			prodCancel()
			if s.metrics != nil {
				s.metrics.RecordRateLimit("rejected")
			}
			lastReason = "connection_limit"
			failovers = s.noteFailover(primary, name, nextName(cands, i), "connection_limit", failovers, more)
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordRateLimit("allowed")
		}

		// Bound connection setup and the wait for the first event; once
		// the broadcaster takes over, the streaming timeouts govern.
		guard := time.AfterFunc(set.RequestTimeout, prodCancel)

		attemptStart := time.Now()
		stream, err := s.caller.OpenStream(prodCtx, &upstream.Request{
			Provider:   prov,
			Model:      cand.Model,
			Body:       req,
			RawBody:    raw,
			Credential: cred,
		})
		if err != nil {
			guard.Stop()
			prodCancel()
			release()
			s.observeAttempt(name, "error", time.Since(attemptStart))
			cls := s.providers.Classify(outcomeFor(err))
			if s.metrics != nil {
				s.metrics.RecordError(name, cls.Reason)
			}
			if !cls.Qualifying {
				status, body := s.surfaceError(prov, err)
				s.failStream(ctx, ticket, status, body)
				return
			}
			s.noteFailure(name, cls)
			lastReason = cls.Reason
			failovers = s.noteFailover(primary, name, nextName(cands, i), cls.Reason, failovers, more)
			continue
		}

		if !stream.Next() {
			rerr := stream.Err()
			stream.Close()
			guard.Stop()
			prodCancel()
			release()
			if rerr == nil {
				rerr = errors.New("upstream closed the stream before any event")
			}
			s.observeAttempt(name, "error", time.Since(attemptStart))
			cls := s.providers.Classify(provider.Outcome{Err: rerr})
			if s.metrics != nil {
				s.metrics.RecordError(name, cls.Reason)
			}
			if !cls.Qualifying {
				status, body := s.transportError(rerr)
				s.failStream(ctx, ticket, status, body)
				return
			}
			s.noteFailure(name, cls)
			lastReason = cls.Reason
			failovers = s.noteFailover(primary, name, nextName(cands, i), cls.Reason, failovers, more)
			continue
		}

		first := stream.Event()
		if first.IsError() {
			// The client has seen nothing yet, so an immediate error is a
			// failed attempt rather than a broken stream.
			stream.Close()
			guard.Stop()
			prodCancel()
			release()
			s.observeAttempt(name, "error", time.Since(attemptStart))
			cls := s.providers.Classify(provider.Outcome{Body: first.Data, SSEError: true})
			if s.metrics != nil {
				s.metrics.RecordError(name, cls.Reason)
			}
			if cls.Qualifying {
				s.noteFailure(name, cls)
				lastReason = cls.Reason
				failovers = s.noteFailover(primary, name, nextName(cands, i), cls.Reason, failovers, more)
				continue
			}
			errType := gjson.GetBytes(first.Data, "error.type").String()
			s.failStream(ctx, ticket, apierr.StatusFor(errType), first.Data)
			return
		}

		guard.Stop()
		s.observeAttempt(name, "success", time.Since(attemptStart))
		s.runStream(ctx, ticket, streamRun{
			name:      name,
			model:     cand.Model,
			primary:   primary,
			failovers: failovers,
			start:     start,
			set:       set,
			seed:      []translate.StreamEvent{first},
			cancel:    prodCancel,
			release:   release,
		}, stream)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordFailoverExhausted(primary)
	}
	s.failStream(ctx, ticket, fasthttp.StatusServiceUnavailable,
		apierr.Body(apierr.TypeOverloaded, fmt.Sprintf(
			"all %d provider attempts failed (last error: %s)", len(cands), lastReason)))
}

// failStream answers a streaming request that failed before any byte was
// flushed with a plain JSON error and releases parked followers with the
// same rendered response.
func (s *Server) failStream(ctx *fasthttp.RequestCtx, ticket *dedup.Ticket, status int, body []byte) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	if ticket != nil {
		ticket.Fail(&httpError{status: status, body: body})
	}
}

// streamRun carries one accepted stream attempt into the broadcaster phase.
type streamRun struct {
	name      string
	model     string
	primary   string
	failovers int
	start     time.Time
	set       config.Settings
	seed      []translate.StreamEvent
	cancel    func()
	release   func()
}

// runStream wraps the accepted upstream stream in a broadcaster, publishes
// it for followers and pumps events to the owning client.
func (s *Server) runStream(ctx *fasthttp.RequestCtx, ticket *dedup.Ticket, run streamRun, src broadcast.Source) {
	b := broadcast.New(src, broadcast.Options{
		BacklogMax:   run.set.SubscriberBacklogMax,
		IdleTimeout:  run.set.StreamingIdleTimeout,
		TotalTimeout: run.set.StreamingTotalTimeout,
		Seed:         run.seed,
		Cancel:       run.cancel,
		OnFinish: func(t broadcast.Terminal) {
			run.release()
			s.streamFinished(run, t, ticket)
		},
	})

	sub, err := b.Subscribe()
	if ticket != nil {
		ticket.Publish(b)
	}
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			apierr.TypeAPIError, "stream backlog overflow")
		return
	}
	s.pumpSSE(ctx, run.name, sub)
}

// streamFinished records health, metrics and the analytics entry for a
// terminated stream. Abandonment carries no health signal.
func (s *Server) streamFinished(run streamRun, t broadcast.Terminal, ticket *dedup.Ticket) {
	if ticket != nil {
		ticket.StreamEnded()
	}

	var errType string
	switch {
	case t.Abandoned:
		errType = "abandoned"

	case t.ErrorEvent != nil:
		cls := s.providers.Classify(provider.Outcome{Body: t.ErrorEvent.Data, SSEError: true})
		if cls.Qualifying {
			s.noteFailure(run.name, cls)
		}
		if s.metrics != nil {
			s.metrics.RecordError(run.name, cls.Reason)
		}
		errType = gjson.GetBytes(t.ErrorEvent.Data, "error.type").String()

	case t.Err != nil:
		cls := s.providers.Classify(provider.Outcome{Err: t.Err})
		if cls.Qualifying {
			s.noteFailure(run.name, cls)
		}
		if s.metrics != nil {
			s.metrics.RecordError(run.name, cls.Reason)
		}
		errType = provider.TransportClass(t.Err)

	default:
		s.providers.RecordSuccess(run.name)
		if s.metrics != nil {
			s.metrics.SetProviderHealth(run.name, true)
			if run.name != run.primary {
				s.metrics.RecordFailoverSuccess(run.primary, run.name)
			}
		}
	}

	dur := time.Since(run.start)
	if s.metrics != nil {
		s.metrics.ObserveRequest(run.name, "stream", dur)
		s.metrics.RecordRequest(run.name, fasthttp.StatusOK, dur.Milliseconds())
	}
	s.logRequest(logger.RequestLog{
		Provider:  run.name,
		Model:     run.model,
		LatencyMs: elapsedMs(run.start),
		Status:    uint16(fasthttp.StatusOK),
		Streamed:  true,
		Failovers: uint8(min(run.failovers, 255)),
		ErrorType: errType,
	})
}

// pumpSSE streams subscriber events to the client connection. Once the first
// byte is flushed, later failures surface as a trailing in-band error event.
func (s *Server) pumpSSE(ctx *fasthttp.RequestCtx, providerName string, sub *broadcast.Subscriber) {
	if providerName != "" {
		ctx.Response.Header.Set(providerHeader, providerName)
	}
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	if s.metrics != nil {
		s.metrics.IncStreamSubscribers()
	}
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer sub.Close()
		if s.metrics != nil {
			defer s.metrics.DecStreamSubscribers()
		}

		for ev := range sub.Events() {
			if _, err := w.Write(ev.Frame()); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}

		if err := sub.Err(); err != nil {
			ev := s.terminalErrorEvent(err)
			w.Write(ev.Frame()) //nolint:errcheck // connection teardown path
			w.Flush()           //nolint:errcheck
		}
	})
}

// terminalErrorEvent synthesizes the trailing in-band error frame for a
// stream that ended without an upstream-provided error event.
func (s *Server) terminalErrorEvent(err error) translate.StreamEvent {
	if s.metrics != nil {
		s.metrics.RecordStreamDrop(streamDropReason(err))
	}
	switch {
	case errors.Is(err, broadcast.ErrIdleTimeout):
		return translate.ErrorEvent(apierr.Body(apierr.TypeTimeout, "stream idle timeout exceeded"))
	case errors.Is(err, broadcast.ErrTotalTimeout):
		return translate.ErrorEvent(apierr.Body(apierr.TypeTimeout, "stream total timeout exceeded"))
	case errors.Is(err, broadcast.ErrSlowSubscriber):
		return translate.ErrorEvent(apierr.Body(apierr.TypeAPIError, "client too slow; stream dropped"))
	default:
		return translate.ErrorEvent(apierr.Body(apierr.TypeAPIError, "upstream connection error"))
	}
}

func streamDropReason(err error) string {
	switch {
	case errors.Is(err, broadcast.ErrIdleTimeout):
		return "idle_timeout"
	case errors.Is(err, broadcast.ErrTotalTimeout):
		return "total_timeout"
	case errors.Is(err, broadcast.ErrSlowSubscriber):
		return "slow_subscriber"
	default:
		return "upstream_error"
	}
}
