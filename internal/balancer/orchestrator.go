package balancer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-balancer/internal/config"
	"github.com/nulpointcorp/claude-balancer/internal/dedup"
	"github.com/nulpointcorp/claude-balancer/internal/logger"
	"github.com/nulpointcorp/claude-balancer/internal/provider"
	"github.com/nulpointcorp/claude-balancer/internal/translate"
	"github.com/nulpointcorp/claude-balancer/internal/upstream"
	"github.com/nulpointcorp/claude-balancer/pkg/apierr"
)

// providerHeader names the provider that served the request.
const providerHeader = "X-Balancer-Provider"

// handleMessages is the entry point for POST /v1/messages. It parses and
// validates the request, resolves the deduplication role, then drives the
// failover loop as the owner or attaches to an in-flight sibling as a
// follower.
func (s *Server) handleMessages(ctx *fasthttp.RequestCtx) {
	// The raw body outlives the handler on streaming requests, so detach it
	// from fasthttp's reusable buffer.
	raw := append([]byte(nil), ctx.PostBody()...)

	req, err := translate.ParseMessagesRequest(raw)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, err.Error())
		return
	}

	set := s.settings()
	var ticket *dedup.Ticket
	if s.dedup != nil && set.Deduplication.Enabled {
		fp := dedup.Fingerprint(raw, set.Deduplication.IncludeMaxTokens)
		ticket = s.dedup.Begin(fp, req.Stream)
		if ticket.Role == dedup.RoleFollower {
			if s.follow(ctx, ticket, req, raw) {
				return
			}
			// The entry we were parked on expired. One retry: either we
			// become the fresh owner or attach to whoever beat us to it.
			s.recordDedup("follower", "expired")
			ticket = s.dedup.Begin(fp, req.Stream)
			if ticket.Role == dedup.RoleFollower {
				if !s.follow(ctx, ticket, req, raw) {
					apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
						apierr.TypeOverloaded, "duplicate request coordination failed; retry")
				}
				return
			}
		}
	}

	if req.Stream {
		s.serveStream(ctx, req, raw, ticket)
		return
	}
	s.serveOnce(ctx, req, raw, ticket)
}

// follow serves the request from an in-flight owner's outcome. It returns
// false when the entry expired, signalling the caller to retry Begin once.
func (s *Server) follow(ctx *fasthttp.RequestCtx, t *dedup.Ticket, req *translate.MessagesRequest, raw []byte) bool {
	if t.Streaming() {
		return s.followStream(ctx, t, req, raw)
	}

	start := time.Now()
	res, err := t.Await(ctx)
	if errors.Is(err, dedup.ErrEntryExpired) {
		return false
	}
	if err != nil {
		s.recordDedup("follower", "failed")
		status, body := s.failureResponse(err)
		ctx.SetStatusCode(status)
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		return true
	}

	s.recordDedup("follower", "completed")
	if res.Provider != "" {
		ctx.Response.Header.Set(providerHeader, res.Provider)
	}
	ctx.SetStatusCode(res.StatusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(res.Body)
	s.logRequest(logger.RequestLog{
		Provider:     res.Provider,
		Model:        req.Model,
		LatencyMs:    elapsedMs(start),
		Status:       uint16(res.StatusCode),
		Deduplicated: true,
	})
	return true
}

// followStream attaches to the owner's broadcaster and replays the stream.
// When the backlog has already been released the follower falls back to its
// own upstream call; deduplication is opportunistic, not load-bearing.
func (s *Server) followStream(ctx *fasthttp.RequestCtx, t *dedup.Ticket, req *translate.MessagesRequest, raw []byte) bool {
	b, err := t.Broadcaster(ctx)
	if errors.Is(err, dedup.ErrEntryExpired) {
		return false
	}
	if err != nil {
		s.recordDedup("follower", "failed")
		status, body := s.failureResponse(err)
		ctx.SetStatusCode(status)
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		return true
	}

	sub, err := b.Subscribe()
	if err != nil {
		// Backlog truncated: too late to replay, go upstream ourselves.
		s.recordDedup("follower", "backlog_released")
		s.serveStream(ctx, req, raw, nil)
		return true
	}
	s.recordDedup("follower", "completed")
	s.pumpSSE(ctx, "", sub)
	return true
}

// serveOnce drives the non-streaming failover loop as owner (or solo when
// ticket is nil).
func (s *Server) serveOnce(ctx *fasthttp.RequestCtx, req *translate.MessagesRequest, raw []byte, ticket *dedup.Ticket) {
	start := time.Now()
	set := s.settings()

	cands, matched := s.providers.Candidates(req.Model)
	if !matched {
		s.finishOnce(ctx, ticket, start, req.Model, attempt{}, fasthttp.StatusNotFound,
			apierr.Body(apierr.TypeNotFound, fmt.Sprintf("no route configured for model %q", req.Model)))
		return
	}
	if len(cands) == 0 {
		s.finishOnce(ctx, ticket, start, req.Model, attempt{}, fasthttp.StatusServiceUnavailable,
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
		a := attempt{provider: cand.Provider.Name(), primary: primary, failovers: failovers}
		prov := cand.Provider.Def()

		cred, err := s.resolveCredential(ctx, prov)
		if err != nil {
			s.log.Warn("credential resolution failed",
				"provider", a.provider, "error", err)
			lastReason = "credentials"
			failovers = s.noteFailover(primary, a.provider, nextName(cands, i), "credentials", failovers, i < len(cands)-1)
			continue
		}

		attemptStart := time.Now()
		resp, err := s.completeAttempt(cand, req, raw, cred, set)
		attemptDur := time.Since(attemptStart)

		if err != nil {
			outcome := outcomeFor(err)
			cls := s.providers.Classify(outcome)
			s.observeAttempt(a.provider, "error", attemptDur)
			if s.metrics != nil {
				s.metrics.RecordError(a.provider, cls.Reason)
			}
			if !cls.Qualifying {
				// Non-qualifying failures surface verbatim; they say
				// nothing about provider health.
				status, body := s.surfaceError(prov, err)
				a.errType = cls.Reason
				s.finishOnce(ctx, ticket, start, req.Model, a, status, body)
				return
			}
			s.noteFailure(a.provider, cls)
			lastReason = cls.Reason
			failovers = s.noteFailover(primary, a.provider, nextName(cands, i), cls.Reason, failovers, i < len(cands)-1)
			continue
		}

		// Success on the wire; still probe the body for embedded fatal
		// errors that warrant rotating away.
		if cls := s.providers.Classify(provider.Outcome{Body: resp.Raw}); cls.Qualifying {
			s.observeAttempt(a.provider, "body_error", attemptDur)
			s.noteFailure(a.provider, cls)
			lastReason = cls.Reason
			failovers = s.noteFailover(primary, a.provider, nextName(cands, i), cls.Reason, failovers, i < len(cands)-1)
			continue
		}

		s.observeAttempt(a.provider, "success", attemptDur)
		s.providers.RecordSuccess(a.provider)
		if s.metrics != nil {
			s.metrics.SetProviderHealth(a.provider, true)
			s.metrics.RecordRequest(a.provider, resp.StatusCode, attemptDur.Milliseconds())
			if a.provider != primary {
				s.metrics.RecordFailoverSuccess(primary, a.provider)
			}
			if resp.Usage != nil {
				s.metrics.AddTokens(a.provider, resp.Usage.InputTokens, resp.Usage.OutputTokens)
			}
		}
		a.failovers = failovers
		a.usage = resp.Usage
		s.finishOnce(ctx, ticket, start, req.Model, a, resp.StatusCode, resp.Body)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordFailoverExhausted(primary)
	}
	s.finishOnce(ctx, ticket, start, req.Model,
		attempt{primary: primary, failovers: failovers, errType: lastReason},
		fasthttp.StatusServiceUnavailable,
		apierr.Body(apierr.TypeOverloaded, fmt.Sprintf(
			"all %d provider attempts failed (last error: %s)", len(cands), lastReason)))
}

// completeAttempt runs one bounded upstream call. The context derives from
// the app base context so an owner keeps serving parked followers even if
// its own client disconnects.
func (s *Server) completeAttempt(cand provider.Candidate, req *translate.MessagesRequest, raw []byte, cred upstream.Credential, set config.Settings) (*upstream.Response, error) {
	actx, cancel := context.WithTimeout(s.baseCtx, set.RequestTimeout)
	defer cancel()

	release, err := s.connLimiter().Acquire(actx, cand.Provider.Name())
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordRateLimit("rejected")
		}
		return nil, fmt.Errorf("provider connection limit: %w", err)
	}
	defer release()
	if s.metrics != nil {
		s.metrics.RecordRateLimit("allowed")
	}

	return s.caller.Complete(actx, &upstream.Request{
		Provider:   cand.Provider.Def(),
		Model:      cand.Model,
		Body:       req,
		RawBody:    raw,
		Credential: cred,
	})
}

// attempt carries per-request accounting into finishOnce.
type attempt struct {
	provider  string
	primary   string
	failovers int
	errType   string
	usage     *translate.Usage
}

// finishOnce writes the terminal non-streaming response, settles the dedup
// entry and emits the analytics record.
func (s *Server) finishOnce(ctx *fasthttp.RequestCtx, ticket *dedup.Ticket, start time.Time, model string, a attempt, status int, body []byte) {
	if a.provider != "" {
		ctx.Response.Header.Set(providerHeader, a.provider)
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	if ticket != nil {
		ticket.Complete(&dedup.Result{Provider: a.provider, StatusCode: status, Body: body})
	}
	if s.metrics != nil && a.provider != "" {
		s.metrics.ObserveRequest(a.provider, "sync", time.Since(start))
	}

	entry := logger.RequestLog{
		Provider:  a.provider,
		Model:     model,
		LatencyMs: elapsedMs(start),
		Status:    uint16(status),
		Failovers: uint8(min(a.failovers, 255)),
		ErrorType: a.errType,
	}
	if a.usage != nil {
		entry.InputTokens = uint32(a.usage.InputTokens)
		entry.OutputTokens = uint32(a.usage.OutputTokens)
	}
	s.logRequest(entry)
}

// failureResponse renders an owner-propagated failure for a follower:
// already-rendered HTTP outcomes pass through, transport errors are mapped.
func (s *Server) failureResponse(err error) (int, []byte) {
	var he *httpError
	if errors.As(err, &he) {
		return he.status, he.body
	}
	return s.transportError(err)
}

// outcomeFor converts an upstream error into a health engine outcome.
func outcomeFor(err error) provider.Outcome {
	var perr *upstream.ProviderError
	if errors.As(err, &perr) {
		return provider.Outcome{StatusCode: perr.StatusCode, Body: perr.Body}
	}
	return provider.Outcome{Err: err}
}

// noteFailure records a qualifying failure and mirrors it into metrics.
func (s *Server) noteFailure(name string, cls provider.Classification) {
	marked := s.providers.RecordFailure(name, cls)
	if s.metrics == nil {
		return
	}
	if marked {
		s.metrics.RecordUnhealthy(name)
		s.metrics.SetProviderHealth(name, false)
	}
}

// noteFailover emits a failover event when another candidate remains and
// returns the updated failover count.
func (s *Server) noteFailover(primary, from, to, reason string, failovers int, more bool) int {
	if !more {
		return failovers
	}
	s.log.Info("failing over",
		"from", from, "to", to, "reason", reason)
	if s.metrics != nil {
		s.metrics.RecordFailover(primary, from, to, reason)
	}
	return failovers + 1
}

func (s *Server) observeAttempt(name, outcome string, dur time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveUpstreamAttempt(name, outcome, dur)
	}
}

func (s *Server) recordDedup(role, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordDedup(role, outcome)
	}
}

func (s *Server) logRequest(entry logger.RequestLog) {
	if s.reqlog == nil {
		return
	}
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now().UTC()
	s.reqlog.Log(entry)
}

func nextName(cands []provider.Candidate, i int) string {
	if i+1 < len(cands) {
		return cands[i+1].Provider.Name()
	}
	return ""
}

func elapsedMs(start time.Time) uint32 {
	ms := time.Since(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}
