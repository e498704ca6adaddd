package balancer

import (
	"encoding/json"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// handler assembles the route table and the middleware chain.
func (s *Server) handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/messages", s.handleMessages)
	r.POST("/v1/messages/count_tokens", s.handleCountTokens)

	r.GET("/health", s.handleHealth)
	r.GET("/providers", s.handleProviders)
	r.POST("/providers/reload", s.handleReload)

	r.GET("/oauth/status", s.handleOAuthStatus)
	r.GET("/oauth/authorize-url", s.handleOAuthAuthorizeURL)
	r.POST("/oauth/exchange-code", s.handleOAuthExchangeCode)
	r.POST("/oauth/refresh-token", s.handleOAuthRefreshToken)
	r.DELETE("/oauth/tokens/{email}", s.handleOAuthDeleteToken)
	r.DELETE("/oauth/tokens", s.handleOAuthDeleteAll)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.cfg.Current().CORSOrigins),
		securityHeaders,
		s.observe,
		s.authGate,
	)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
