package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "AgentIntent-Chain/internal/errors"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type errorKey struct {
	handler string
	method  string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type operationKey struct {
	op   string
	code string
}

type collector struct {
	mu         sync.Mutex
	requests   map[requestKey]uint64
	errors     map[errorKey]uint64
	latency    map[latencyKey]*histogram
	operations map[operationKey]uint64
	opLatency  map[string]*histogram
	events     map[string]uint64
}

func newCollector() *collector {
	return &collector{
		requests:   make(map[requestKey]uint64),
		errors:     make(map[errorKey]uint64),
		latency:    make(map[latencyKey]*histogram),
		operations: make(map[operationKey]uint64),
		opLatency:  make(map[string]*histogram),
		events:     make(map[string]uint64),
	}
}

var defaultCollector = newCollector()

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observe(handler, method, status, duration)
}

// ObserveOperation records the outcome of an engine operation. Rejections are
// labelled with their error code, successes with "OK".
func ObserveOperation(op string, err error, duration time.Duration) {
	code := "OK"
	if err != nil {
		code = string(xerrors.CodeOf(err))
	}
	defaultCollector.observeOperation(op, code, duration)
}

// ObserveEvent counts a lifecycle event by type.
func ObserveEvent(eventType string) {
	defaultCollector.mu.Lock()
	defaultCollector.events[eventType]++
	defaultCollector.mu.Unlock()
}

func (c *collector) observeOperation(op, code string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations[operationKey{op: op, code: code}]++
	hist := c.opLatency[op]
	if hist == nil {
		hist = newHistogram()
		c.opLatency[op] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++
	if status >= 500 {
		errKey := errorKey{handler: handler, method: method}
		c.errors[errKey]++
	}

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	// 超出最后一个桶的值只计入 +Inf，即 h.count。
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		requestKey
		value uint64
	}
	type errorMetric struct {
		errorKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	errs := make([]errorMetric, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, errorMetric{errorKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].handler == errs[j].handler {
			return errs[i].method < errs[j].method
		}
		return errs[i].handler < errs[j].handler
	})
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler == lats[j].handler {
			return lats[i].method < lats[j].method
		}
		return lats[i].handler < lats[j].handler
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP intentd_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE intentd_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("intentd_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP intentd_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE intentd_http_request_errors_total counter\n")
	for _, metric := range errs {
		builder.WriteString(fmt.Sprintf("intentd_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.value))
	}

	builder.WriteString("# HELP intentd_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE intentd_http_request_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("intentd_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				escape(metric.handler), escape(metric.method), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("intentd_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
		builder.WriteString(fmt.Sprintf("intentd_http_request_duration_seconds_sum{handler=\"%s\",method=\"%s\"} %s\n",
			escape(metric.handler), escape(metric.method), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("intentd_http_request_duration_seconds_count{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
	}

	c.renderOperations(&builder)
	return builder.String()
}

func (c *collector) renderOperations(builder *strings.Builder) {
	opKeys := make([]operationKey, 0, len(c.operations))
	for key := range c.operations {
		opKeys = append(opKeys, key)
	}
	sort.Slice(opKeys, func(i, j int) bool {
		if opKeys[i].op == opKeys[j].op {
			return opKeys[i].code < opKeys[j].code
		}
		return opKeys[i].op < opKeys[j].op
	})
	builder.WriteString("# HELP intentd_operations_total Engine operations by outcome code.\n")
	builder.WriteString("# TYPE intentd_operations_total counter\n")
	for _, key := range opKeys {
		builder.WriteString(fmt.Sprintf("intentd_operations_total{op=\"%s\",code=\"%s\"} %d\n",
			escape(key.op), escape(key.code), c.operations[key]))
	}

	ops := make([]string, 0, len(c.opLatency))
	for op := range c.opLatency {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	builder.WriteString("# HELP intentd_operation_duration_seconds Engine operation duration in seconds.\n")
	builder.WriteString("# TYPE intentd_operation_duration_seconds histogram\n")
	for _, op := range ops {
		hist := c.opLatency[op]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("intentd_operation_duration_seconds_bucket{op=\"%s\",le=\"%s\"} %d\n",
				escape(op), formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("intentd_operation_duration_seconds_bucket{op=\"%s\",le=\"+Inf\"} %d\n", escape(op), hist.count))
		builder.WriteString(fmt.Sprintf("intentd_operation_duration_seconds_sum{op=\"%s\"} %s\n", escape(op), formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("intentd_operation_duration_seconds_count{op=\"%s\"} %d\n", escape(op), hist.count))
	}

	types := make([]string, 0, len(c.events))
	for typ := range c.events {
		types = append(types, typ)
	}
	sort.Strings(types)
	builder.WriteString("# HELP intentd_events_total Lifecycle events published by type.\n")
	builder.WriteString("# TYPE intentd_events_total counter\n")
	for _, typ := range types {
		builder.WriteString(fmt.Sprintf("intentd_events_total{type=\"%s\"} %d\n", escape(typ), c.events[typ]))
	}
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
