package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/claude-balancer/internal/oauth"
	"github.com/nulpointcorp/claude-balancer/internal/translate"
)

const (
	anthropicVersion = "2023-06-01"
	maxResponseBody  = 10 << 20
)

// completeAnthropic forwards the client body verbatim, rewriting only the
// model field per the route.
func (c *Caller) completeAnthropic(ctx context.Context, req *Request) (*Response, error) {
	body, err := c.anthropicBody(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.doAnthropic(ctx, req, "/v1/messages", body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := readBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read %s response: %w", req.Provider.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{Provider: req.Provider.Name, StatusCode: resp.StatusCode, Body: data}
	}
	return &Response{
		Provider:   req.Provider.Name,
		StatusCode: resp.StatusCode,
		Body:       data,
		Raw:        data,
		Usage:      usageFromAnthropicBody(data),
	}, nil
}

func (c *Caller) streamAnthropic(ctx context.Context, req *Request) (Stream, error) {
	body, err := c.anthropicBody(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.doAnthropic(ctx, req, "/v1/messages", body, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := readBody(resp.Body)
		resp.Body.Close()
		return nil, &ProviderError{Provider: req.Provider.Name, StatusCode: resp.StatusCode, Body: data}
	}
	return &anthropicStream{decoder: ssestream.NewDecoder(resp)}, nil
}

func (c *Caller) countTokensAnthropic(ctx context.Context, req *Request) (*Response, error) {
	body, err := c.anthropicBody(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.doAnthropic(ctx, req, "/v1/messages/count_tokens", body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := readBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read %s response: %w", req.Provider.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{Provider: req.Provider.Name, StatusCode: resp.StatusCode, Body: data}
	}
	return &Response{Provider: req.Provider.Name, StatusCode: resp.StatusCode, Body: data, Raw: data}, nil
}

// anthropicBody rewrites the model in the raw client body without
// re-serializing anything else, preserving unknown fields byte for byte.
func (c *Caller) anthropicBody(req *Request) ([]byte, error) {
	if req.Model == req.Body.Model {
		return req.RawBody, nil
	}
	body, err := sjson.SetBytes(req.RawBody, "model", req.Model)
	if err != nil {
		return nil, fmt.Errorf("upstream: rewrite model: %w", err)
	}
	return body, nil
}

func (c *Caller) doAnthropic(ctx context.Context, req *Request, path string, body []byte, stream bool) (*http.Response, error) {
	httpc, err := c.client(req.Provider)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(req.Provider.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	switch req.Credential.Scheme {
	case SchemeBearer:
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential.Value)
	case SchemeAPIKey:
		httpReq.Header.Set("x-api-key", req.Credential.Value)
	}
	if req.Credential.OAuth {
		httpReq.Header.Set("anthropic-beta", oauth.BetaHeader)
	}
	return httpc.Do(httpReq)
}

func readBody(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxResponseBody))
}

func usageFromAnthropicBody(data []byte) *translate.Usage {
	u := gjson.GetBytes(data, "usage")
	if !u.Exists() {
		return nil
	}
	return &translate.Usage{
		InputTokens:  int(u.Get("input_tokens").Int()),
		OutputTokens: int(u.Get("output_tokens").Int()),
	}
}

// anthropicStream adapts the SSE decoder to the Stream interface; events
// pass through untouched.
type anthropicStream struct {
	decoder ssestream.Decoder
	current translate.StreamEvent
}

func (s *anthropicStream) Next() bool {
	if !s.decoder.Next() {
		return false
	}
	ev := s.decoder.Event()
	data := make([]byte, len(ev.Data))
	copy(data, ev.Data)
	s.current = translate.StreamEvent{Name: ev.Type, Data: data}
	return true
}

func (s *anthropicStream) Event() translate.StreamEvent { return s.current }
func (s *anthropicStream) Err() error                   { return s.decoder.Err() }
func (s *anthropicStream) Close() error                 { return s.decoder.Close() }
