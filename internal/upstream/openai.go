package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/claude-balancer/internal/translate"
	"github.com/nulpointcorp/claude-balancer/pkg/apierr"
)

func (c *Caller) completeOpenAI(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.doOpenAI(ctx, req, false)
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
	var chat translate.ChatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, fmt.Errorf("upstream: parse %s response: %w", req.Provider.Name, err)
	}
	estimate := translate.EstimateInputTokens(req.Body)
	out := translate.ResponseFromOpenAI(&chat, req.Body.Model, estimate)
	return &Response{
		Provider:   req.Provider.Name,
		StatusCode: http.StatusOK,
		Body:       translate.MarshalResponse(out),
		Raw:        data,
		Usage:      &out.Usage,
	}, nil
}

func (c *Caller) streamOpenAI(ctx context.Context, req *Request) (Stream, error) {
	resp, err := c.doOpenAI(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := readBody(resp.Body)
		resp.Body.Close()
		return nil, &ProviderError{Provider: req.Provider.Name, StatusCode: resp.StatusCode, Body: data}
	}
	return &openaiStream{
		decoder:    ssestream.NewDecoder(resp),
		translator: translate.NewStreamTranslator(req.Body.Model, translate.EstimateInputTokens(req.Body)),
	}, nil
}

func (c *Caller) doOpenAI(ctx context.Context, req *Request, stream bool) (*http.Response, error) {
	httpc, err := c.client(req.Provider)
	if err != nil {
		return nil, err
	}
	chatReq := translate.RequestToOpenAI(req.Body, req.Model)
	chatReq.Stream = stream
	if stream {
		chatReq.StreamOptions = &translate.StreamOptions{IncludeUsage: true}
	} else {
		chatReq.StreamOptions = nil
	}
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode chat request: %w", err)
	}
	url := strings.TrimRight(req.Provider.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if req.Credential.Value != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential.Value)
	}
	return httpc.Do(httpReq)
}

// openaiStream decodes chat.completion.chunk frames and runs them through
// the stream translator, queueing the Anthropic events it produces.
type openaiStream struct {
	decoder    ssestream.Decoder
	translator *translate.StreamTranslator

	queue    []translate.StreamEvent
	current  translate.StreamEvent
	finished bool
	err      error
}

func (s *openaiStream) Next() bool {
	for len(s.queue) == 0 {
		if s.finished {
			return false
		}
		if !s.decoder.Next() {
			if err := s.decoder.Err(); err != nil {
				s.err = err
				s.finished = true
				return false
			}
			// Stream ended without a [DONE] sentinel; close out what we
			// have so the client still sees a complete message.
			s.queue = s.translator.Finish()
			s.finished = true
			continue
		}
		data := s.decoder.Event().Data
		if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
			s.queue = s.translator.Finish()
			s.finished = true
			continue
		}
		if errField := gjson.GetBytes(data, "error"); errField.Exists() {
			// Some compat servers report failures as a data frame instead
			// of an HTTP error; surface it as an Anthropic error event.
			errType := translate.ErrorTypeFromOpenAI(errField.Get("type").String())
			msg := errField.Get("message").String()
			if msg == "" {
				msg = "upstream stream error"
			}
			s.queue = []translate.StreamEvent{translate.ErrorEvent(apierr.Body(errType, msg))}
			s.finished = true
			continue
		}
		var chunk translate.ChatStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}
		s.queue = s.translator.Next(chunk)
	}
	s.current = s.queue[0]
	s.queue = s.queue[1:]
	return true
}

func (s *openaiStream) Event() translate.StreamEvent { return s.current }
func (s *openaiStream) Err() error                   { return s.err }
func (s *openaiStream) Close() error                 { return s.decoder.Close() }
