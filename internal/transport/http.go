// Package transport provides the reference "doOnce" implementation that
// turns a model.RequestDescriptor into an outbound HTTP call. Grounded
// on the teacher's HTTPTaskExecutor and HTTPPlugin: a pooled
// http.Client, trace-context propagation through a headerCarrier, and
// best-effort JSON response decoding.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowctl/internal/model"
)

// HTTPExecutor turns a RequestDescriptor into an attempt.DoOnce-compatible
// call. It is the default transport; callers needing a different
// protocol supply their own DoOnce and never import this package.
type HTTPExecutor struct {
	client *http.Client
	tracer trace.Tracer
}

// New constructs an HTTPExecutor. A nil client gets the teacher's
// pooled-transport defaults.
func New(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPExecutor{client: client, tracer: otel.Tracer("flowctl-transport")}
}

// Execute issues req and adapts the response into an AttemptOutcome. It
// satisfies attempt.DoOnce when partially applied over req.
func (e *HTTPExecutor) Execute(ctx context.Context, req *model.RequestDescriptor) (model.AttemptOutcome, error) {
	ctx, span := e.tracer.Start(ctx, "transport.http.execute",
		trace.WithAttributes(
			attribute.String("http.path", req.Path),
			attribute.String("http.method", string(req.Method)),
		),
	)
	defer span.End()

	start := time.Now()

	url := fmt.Sprintf("%s://%s:%d%s%s", protocolOrDefault(req.Protocol), req.Host, portOrDefault(req.Port, req.Protocol), req.Path, queryString(req.Query))

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return model.AttemptOutcome{}, fmt.Errorf("marshal body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), url, body)
	if err != nil {
		return model.AttemptOutcome{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, fmt.Sprintf("%v", v))
	}
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{httpReq.Header})

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return model.AttemptOutcome{
			OK:            false,
			Retryable:     true,
			ExecutionTime: time.Since(start),
			Timestamp:     time.Now(),
			Err:           err,
		}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return model.AttemptOutcome{}, fmt.Errorf("read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	var data any
	if len(respBody) > 0 {
		if jsonErr := json.Unmarshal(respBody, &data); jsonErr != nil {
			data = string(respBody)
		}
	}

	ok := resp.StatusCode < 400
	outcome := model.AttemptOutcome{
		OK:            ok,
		Retryable:     !ok && isRetryableStatus(resp.StatusCode),
		StatusCode:    resp.StatusCode,
		ExecutionTime: time.Since(start),
		Timestamp:     time.Now(),
		Data:          data,
	}
	if !ok {
		outcome.Err = fmt.Errorf("http error %d: %s", resp.StatusCode, string(respBody))
	}
	return outcome, nil
}

func isRetryableStatus(status int) bool {
	if status == 408 || status == 429 {
		return true
	}
	return status >= 500
}

func protocolOrDefault(p string) string {
	if p == "" {
		return "http"
	}
	return p
}

func portOrDefault(port int, protocol string) int {
	if port != 0 {
		return port
	}
	if protocol == "https" {
		return 443
	}
	return 80
}

func queryString(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := "?"
	for i, k := range keys {
		if i > 0 {
			out += "&"
		}
		out += fmt.Sprintf("%s=%v", k, params[k])
	}
	return out
}

// ResolveTemplate replaces {{itemId.field}} placeholders with values
// already stored in a prior item's result map, mirroring the teacher's
// resolveTemplate helper generalized off WorkflowExecution.Context.
func ResolveTemplate(tpl string, priorResults map[string]any) string {
	result := tpl
	for itemID, output := range priorResults {
		outputMap, ok := output.(map[string]any)
		if !ok {
			continue
		}
		for field, value := range outputMap {
			placeholder := fmt.Sprintf("{{%s.%s}}", itemID, field)
			result = strings.ReplaceAll(result, placeholder, fmt.Sprintf("%v", value))
		}
	}
	return result
}

// headerCarrier adapts http.Header for OpenTelemetry propagation,
// copied verbatim in shape from the teacher's headerCarrier.
type headerCarrier struct {
	header http.Header
}

func (hc *headerCarrier) Get(key string) string { return hc.header.Get(key) }
func (hc *headerCarrier) Set(key, value string) { hc.header.Set(key, value) }
func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.header))
	for k := range hc.header {
		keys = append(keys, k)
	}
	return keys
}
