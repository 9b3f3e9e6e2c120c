// Package dispatch sends tasks to backends over their declared wire formats
// and translates transport/HTTP failures into the two failure classes the
// executor distinguishes: terminal backend errors and transient timeouts.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nervelab/baran/internal/models"
	"github.com/nervelab/baran/internal/registry"
	"github.com/nervelab/baran/internal/tracing"
)

// Result is one backend's answer to one task.
type Result struct {
	Backend    string `json:"backend"`
	Output     string `json:"output"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// Invoker dispatches a task to a backend. Implementations must respect the
// context deadline; the executor derives it from the backend's observed
// latency.
type Invoker interface {
	Invoke(ctx context.Context, backend registry.Descriptor, task models.Task) (Result, error)
}

// HTTPInvoker speaks the closed set of wire formats. Calls are paced by a
// per-backend rate limiter built from the descriptor's requests-per-minute
// cap; waiting for a slot counts against the caller's deadline so pacing
// shows up as backpressure, not hidden queueing.
type HTTPInvoker struct {
	client *http.Client
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPInvoker creates an invoker. A nil client gets a plain http.Client;
// per-call deadlines come from the context, not the client.
func NewHTTPInvoker(client *http.Client, logger *zap.Logger) *HTTPInvoker {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPInvoker{
		client:   client,
		logger:   logger.Named("dispatch"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Invoke sends the task and parses the answer according to the backend's
// wire format.
func (i *HTTPInvoker) Invoke(ctx context.Context, backend registry.Descriptor, task models.Task) (Result, error) {
	started := time.Now()
	if lim := i.limiter(backend); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Result{}, &BackendTimeout{Backend: backend.Name, Elapsed: time.Since(started), Err: err}
		}
	}

	url, body, err := encodeRequest(backend, task)
	if err != nil {
		return Result{}, err
	}
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("backend %s: build request: %w", backend.Name, err)
	}
	if backend.Format == registry.WireCustom {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		req.Header.Set("Content-Type", "application/json")
	}
	tracing.InjectTraceparent(ctx, req)

	i.logger.Debug("Dispatching task",
		zap.String("backend", backend.Name),
		zap.String("format", string(backend.Format)),
		zap.String("task_id", task.ID),
	)

	resp, err := i.client.Do(req)
	if err != nil {
		return Result{}, &BackendTimeout{Backend: backend.Name, Elapsed: time.Since(started), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Result{}, &BackendError{
			Backend: backend.Name,
			Status:  resp.StatusCode,
			Body:    strings.TrimSpace(string(raw)),
		}
	}
	return decodeResponse(backend, resp)
}

// limiter returns the backend's pacing limiter, or nil when uncapped.
func (i *HTTPInvoker) limiter(backend registry.Descriptor) *rate.Limiter {
	if backend.RateLimitRPM <= 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	lim, ok := i.limiters[backend.Name]
	if !ok {
		perSecond := float64(backend.RateLimitRPM) / 60.0
		lim = rate.NewLimiter(rate.Limit(perSecond), backend.RateLimitRPM)
		i.limiters[backend.Name] = lim
	}
	return lim
}

func encodeRequest(backend registry.Descriptor, task models.Task) (url string, body []byte, err error) {
	switch backend.Format {
	case registry.WireOpenAICompatible:
		url = strings.TrimRight(backend.Endpoint, "/") + "/v1/chat/completions"
		payload := openAIRequest{
			Model: backend.Model,
			Messages: []openAIMessage{
				{Role: "user", Content: task.Prompt},
			},
		}
		body, err = json.Marshal(payload)
	case registry.WireREST:
		url = backend.Endpoint
		payload := restRequest{Prompt: task.Prompt, Context: task.Context}
		body, err = json.Marshal(payload)
	case registry.WireCustom:
		url = backend.Endpoint
		body = []byte(task.Prompt)
	default:
		return "", nil, fmt.Errorf("backend %s: unsupported wire format %q", backend.Name, backend.Format)
	}
	if err != nil {
		return "", nil, fmt.Errorf("backend %s: encode request: %w", backend.Name, err)
	}
	return url, body, nil
}

func decodeResponse(backend registry.Descriptor, resp *http.Response) (Result, error) {
	switch backend.Format {
	case registry.WireOpenAICompatible:
		var out openAIResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Result{}, &BackendError{Backend: backend.Name, Status: resp.StatusCode, Body: fmt.Sprintf("malformed response: %v", err)}
		}
		if len(out.Choices) == 0 {
			return Result{}, &BackendError{Backend: backend.Name, Status: resp.StatusCode, Body: "response contained no choices"}
		}
		return Result{
			Backend:    backend.Name,
			Output:     out.Choices[0].Message.Content,
			TokensUsed: out.Usage.TotalTokens,
		}, nil

	case registry.WireREST:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, &BackendTimeout{Backend: backend.Name, Err: err}
		}
		var out restResponse
		if err := json.Unmarshal(raw, &out); err == nil {
			if text := out.firstText(); text != "" {
				return Result{Backend: backend.Name, Output: text, TokensUsed: out.TokensUsed}, nil
			}
		}
		// Plain-text REST servers are legal; the body is the answer.
		return Result{Backend: backend.Name, Output: strings.TrimSpace(string(raw))}, nil

	default: // WireCustom
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, &BackendTimeout{Backend: backend.Name, Err: err}
		}
		return Result{Backend: backend.Name, Output: strings.TrimSpace(string(raw))}, nil
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model    string          `json:"model,omitempty"`
	Messages []openAIMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type restRequest struct {
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context,omitempty"`
}

type restResponse struct {
	Output     string `json:"output"`
	Text       string `json:"text"`
	Response   string `json:"response"`
	TokensUsed int    `json:"tokens_used"`
}

func (r *restResponse) firstText() string {
	for _, s := range []string{r.Output, r.Text, r.Response} {
		if s != "" {
			return s
		}
	}
	return ""
}
