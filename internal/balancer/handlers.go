package balancer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-balancer/internal/config"
	"github.com/nulpointcorp/claude-balancer/internal/ratelimit"
	"github.com/nulpointcorp/claude-balancer/internal/translate"
	"github.com/nulpointcorp/claude-balancer/internal/upstream"
	"github.com/nulpointcorp/claude-balancer/pkg/apierr"
)

// handleCountTokens routes POST /v1/messages/count_tokens like /v1/messages:
// anthropic-typed candidates get the request forwarded (model rewritten per
// route), openai-typed candidates produce a local estimate.
func (s *Server) handleCountTokens(ctx *fasthttp.RequestCtx) {
	raw := append([]byte(nil), ctx.PostBody()...)
	req, err := translate.ParseMessagesRequest(raw)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, err.Error())
		return
	}

	cands, matched := s.providers.Candidates(req.Model)
	if !matched {
		apierr.Write(ctx, fasthttp.StatusNotFound, apierr.TypeNotFound,
			fmt.Sprintf("no route configured for model %q", req.Model))
		return
	}
	if len(cands) == 0 {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, apierr.TypeOverloaded,
			"no healthy provider available for this model")
		return
	}

	set := s.settings()
	var lastReason = "unknown"
	for _, cand := range cands {
		prov := cand.Provider.Def()
		name := cand.Provider.Name()

		// No upstream equivalent exists for the OpenAI dialect; answer
		// with the local tokenizer estimate instead.
		if prov.Type == config.TypeOpenAI {
			ctx.Response.Header.Set(providerHeader, name)
			writeJSON(ctx, map[string]int{"input_tokens": translate.EstimateInputTokens(req)})
			return
		}

		cred, err := s.resolveCredential(ctx, prov)
		if err != nil {
			lastReason = "credentials"
			continue
		}

		actx, cancel := context.WithTimeout(s.baseCtx, set.RequestTimeout)
		resp, err := s.caller.CountTokens(actx, &upstream.Request{
			Provider:   prov,
			Model:      cand.Model,
			Body:       req,
			RawBody:    raw,
			Credential: cred,
		})
		cancel()
		if err != nil {
			cls := s.providers.Classify(outcomeFor(err))
			if !cls.Qualifying {
				status, body := s.surfaceError(prov, err)
				ctx.SetStatusCode(status)
				ctx.SetContentType("application/json")
				ctx.SetBody(body)
				return
			}
			s.noteFailure(name, cls)
			lastReason = cls.Reason
			continue
		}

		ctx.Response.Header.Set(providerHeader, name)
		ctx.SetStatusCode(resp.StatusCode)
		ctx.SetContentType("application/json")
		ctx.SetBody(resp.Body)
		return
	}

	apierr.Write(ctx, fasthttp.StatusServiceUnavailable, apierr.TypeOverloaded,
		fmt.Sprintf("all %d provider attempts failed (last error: %s)", len(cands), lastReason))
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	healthy, total := s.providers.HealthyCount()
	writeJSON(ctx, map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"providers": map[string]int{
			"total":   total,
			"healthy": healthy,
		},
	})
}

func (s *Server) handleProviders(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.providers.Statuses())
}

// handleReload re-reads the config file and swaps the provider pool and the
// connection limiter atomically. A failed reload leaves everything as-is.
func (s *Server) handleReload(ctx *fasthttp.RequestCtx) {
	cfg, err := s.cfg.Reload()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, err.Error())
		return
	}
	s.providers.Reload(cfg)
	s.limiter.Store(ratelimit.NewConnLimiter(cfg.Settings.MaxProviderConnections))
	writeJSON(ctx, map[string]any{
		"status":    "ok",
		"providers": len(cfg.Providers),
		"routes":    len(cfg.ModelRoutes),
	})
}

func (s *Server) handleOAuthStatus(ctx *fasthttp.RequestCtx) {
	if !s.requireOAuth(ctx) {
		return
	}
	writeJSON(ctx, map[string]any{"tokens": s.oauth.Statuses()})
}

func (s *Server) handleOAuthAuthorizeURL(ctx *fasthttp.RequestCtx) {
	if !s.requireOAuth(ctx) {
		return
	}
	email := string(ctx.QueryArgs().Peek("email"))
	loginURL, state := s.oauth.AuthorizeURL(email)
	writeJSON(ctx, map[string]any{
		"login_url":          loginURL,
		"state":              state,
		"expires_in_seconds": 600,
	})
}

func (s *Server) handleOAuthExchangeCode(ctx *fasthttp.RequestCtx) {
	if !s.requireOAuth(ctx) {
		return
	}
	var body struct {
		Code         string `json:"code"`
		AccountEmail string `json:"account_email"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil || body.Code == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest,
			"body must be JSON with a non-empty \"code\"")
		return
	}
	if err := s.oauth.ExchangeCode(ctx, body.Code, body.AccountEmail); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.SetOAuthTokens(s.oauth.Len())
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleOAuthRefreshToken refreshes one account, or every account when no
// email is given.
func (s *Server) handleOAuthRefreshToken(ctx *fasthttp.RequestCtx) {
	if !s.requireOAuth(ctx) {
		return
	}
	var body struct {
		AccountEmail string `json:"account_email"`
	}
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "invalid JSON body")
			return
		}
	}

	var err error
	if body.AccountEmail != "" {
		err = s.oauth.Refresh(ctx, body.AccountEmail)
	} else {
		err = s.oauth.RefreshAll(ctx)
	}
	if s.metrics != nil {
		if err != nil {
			s.metrics.RecordOAuthRefresh("failure")
		} else {
			s.metrics.RecordOAuthRefresh("success")
		}
	}
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, apierr.TypeAPIError, err.Error())
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (s *Server) handleOAuthDeleteToken(ctx *fasthttp.RequestCtx) {
	if !s.requireOAuth(ctx) {
		return
	}
	email, _ := ctx.UserValue("email").(string)
	if err := s.oauth.Delete(ctx, email); err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, apierr.TypeNotFound, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.SetOAuthTokens(s.oauth.Len())
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (s *Server) handleOAuthDeleteAll(ctx *fasthttp.RequestCtx) {
	if !s.requireOAuth(ctx) {
		return
	}
	if err := s.oauth.Clear(ctx); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.TypeAPIError, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.SetOAuthTokens(0)
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (s *Server) requireOAuth(ctx *fasthttp.RequestCtx) bool {
	if s.oauth == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, apierr.TypeAPIError,
			"oauth token manager is not configured")
		return false
	}
	return true
}
