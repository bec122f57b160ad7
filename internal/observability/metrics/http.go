// Package metrics 采集 HTTP 接口的请求计数与耗时分布，
// 并以 Prometheus 文本格式在 /metrics 暴露。
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type seriesKey struct {
	handler string
	method  string
	code    string
}

// histogram 是固定桶边界的累积直方图。
type histogram struct {
	counts [len(latencyBuckets)]uint64
	sum    float64
	total  uint64
}

var latencyBuckets = [...]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

func (h *histogram) observe(seconds float64) {
	h.total++
	h.sum += seconds
	for i, bound := range latencyBuckets {
		if seconds <= bound {
			for ; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// 超出最大桶的样本只计入 +Inf（total）。
}

type collector struct {
	mu       sync.Mutex
	requests map[seriesKey]uint64
	errors   map[seriesKey]uint64
	latency  map[seriesKey]*histogram
}

var httpCollector = &collector{
	requests: make(map[seriesKey]uint64),
	errors:   make(map[seriesKey]uint64),
	latency:  make(map[seriesKey]*histogram),
}

// ObserveHTTPRequest 记录一次请求的状态码与耗时。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c := httpCollector
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[seriesKey{handler, method, strconv.Itoa(status)}]++
	if status >= http.StatusInternalServerError {
		c.errors[seriesKey{handler: handler, method: method}]++
	}

	latKey := seriesKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = &histogram{}
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

// Handler 以 Prometheus 文本协议输出当前指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render())
	})
}

func sortedKeys[V any](m map[seriesKey]V) []seriesKey {
	keys := make([]seriesKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].code < keys[j].code
	})
	return keys
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	b.WriteString("# HELP flowmesh_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE flowmesh_http_requests_total counter\n")
	for _, key := range sortedKeys(c.requests) {
		fmt.Fprintf(&b, "flowmesh_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			key.handler, key.method, key.code, c.requests[key])
	}

	b.WriteString("# HELP flowmesh_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	b.WriteString("# TYPE flowmesh_http_request_errors_total counter\n")
	for _, key := range sortedKeys(c.errors) {
		fmt.Fprintf(&b, "flowmesh_http_request_errors_total{handler=%q,method=%q} %d\n",
			key.handler, key.method, c.errors[key])
	}

	b.WriteString("# HELP flowmesh_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE flowmesh_http_request_duration_seconds histogram\n")
	for _, key := range sortedKeys(c.latency) {
		hist := c.latency[key]
		for i, bound := range latencyBuckets {
			fmt.Fprintf(&b, "flowmesh_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				key.handler, key.method, formatFloat(bound), hist.counts[i])
		}
		fmt.Fprintf(&b, "flowmesh_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			key.handler, key.method, hist.total)
		fmt.Fprintf(&b, "flowmesh_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			key.handler, key.method, formatFloat(hist.sum))
		fmt.Fprintf(&b, "flowmesh_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			key.handler, key.method, hist.total)
	}

	return b.String()
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
