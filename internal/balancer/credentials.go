package balancer

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-balancer/internal/config"
	"github.com/nulpointcorp/claude-balancer/internal/provider"
	"github.com/nulpointcorp/claude-balancer/internal/translate"
	"github.com/nulpointcorp/claude-balancer/internal/upstream"
	"github.com/nulpointcorp/claude-balancer/pkg/apierr"
)

// resolveCredential produces the upstream credential for one attempt:
// managed OAuth tokens, the client's own headers (passthrough), or the
// configured static value.
func (s *Server) resolveCredential(ctx *fasthttp.RequestCtx, prov config.Provider) (upstream.Credential, error) {
	switch {
	case prov.UsesOAuth():
		if s.oauth == nil {
			return upstream.Credential{}, errors.New("oauth provider configured but no token manager")
		}
		access, _, err := s.oauth.IssueToken()
		if err != nil {
			return upstream.Credential{}, err
		}
		return upstream.Credential{Scheme: upstream.SchemeBearer, Value: access, OAuth: true}, nil

	case prov.IsPassthrough():
		if k := string(ctx.Request.Header.Peek("x-api-key")); k != "" {
			return upstream.Credential{Scheme: upstream.SchemeAPIKey, Value: k}, nil
		}
		if k := inboundKey(ctx); k != "" {
			return upstream.Credential{Scheme: upstream.SchemeBearer, Value: k}, nil
		}
		return upstream.Credential{}, errors.New("passthrough auth: client sent no credentials")

	default:
		scheme := upstream.SchemeAPIKey
		if prov.AuthType == config.AuthToken {
			scheme = upstream.SchemeBearer
		}
		return upstream.Credential{Scheme: scheme, Value: prov.AuthValue}, nil
	}
}

// surfaceError renders a non-qualifying upstream error for the client.
// Anthropic-dialect error bodies pass through verbatim; OpenAI bodies are
// re-enveloped in the Anthropic error format with the mapped type.
func (s *Server) surfaceError(prov config.Provider, err error) (int, []byte) {
	var perr *upstream.ProviderError
	if !errors.As(err, &perr) {
		return s.transportError(err)
	}

	if prov.Type == config.TypeOpenAI {
		errType := translate.ErrorTypeFromOpenAI(gjson.GetBytes(perr.Body, "error.type").String())
		msg := gjson.GetBytes(perr.Body, "error.message").String()
		if msg == "" {
			msg = fmt.Sprintf("upstream returned HTTP %d", perr.StatusCode)
		}
		return perr.StatusCode, apierr.Body(errType, msg)
	}

	if gjson.GetBytes(perr.Body, "error.type").Exists() {
		return perr.StatusCode, perr.Body
	}
	return perr.StatusCode, apierr.Body(
		apierr.TypeForStatus(perr.StatusCode),
		fmt.Sprintf("upstream returned HTTP %d", perr.StatusCode))
}

// transportError maps a non-HTTP failure to a client response.
func (s *Server) transportError(err error) (int, []byte) {
	switch provider.TransportClass(err) {
	case "timeout":
		return fasthttp.StatusGatewayTimeout,
			apierr.Body(apierr.TypeTimeout, "upstream request timed out")
	case "canceled":
		return fasthttp.StatusGatewayTimeout,
			apierr.Body(apierr.TypeTimeout, "upstream request canceled")
	default:
		return fasthttp.StatusBadGateway,
			apierr.Body(apierr.TypeAPIError, "upstream connection error: "+err.Error())
	}
}
