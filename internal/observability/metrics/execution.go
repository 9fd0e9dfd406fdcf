package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// 执行结果标签。
const (
	OutcomeDelivered   = "delivered"
	OutcomeBatchFailed = "batch_failed"
	OutcomeFailed      = "failed"
	OutcomeSkipped     = "skipped"
)

type executionKey struct {
	outcome string
}

type execCollector struct {
	mu       sync.Mutex
	outcomes map[executionKey]uint64
	latency  *histogram
}

var executionCollector = &execCollector{
	outcomes: make(map[executionKey]uint64),
	latency:  newHistogram(),
}

// ObserveExecution 记录一次批次执行的结果与耗时。
func ObserveExecution(outcome string, duration time.Duration) {
	executionCollector.observe(outcome, duration)
}

func (c *execCollector) observe(outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[executionKey{outcome: outcome}]++
	c.latency.observe(duration.Seconds())
}

func (c *execCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type outcomeMetric struct {
		outcome string
		value   uint64
	}
	outcomes := make([]outcomeMetric, 0, len(c.outcomes))
	for key, value := range c.outcomes {
		outcomes = append(outcomes, outcomeMetric{outcome: key.outcome, value: value})
	}
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].outcome < outcomes[j].outcome
	})

	var builder strings.Builder
	builder.Grow(512)

	builder.WriteString("# HELP multicall_executions_total Total number of batch executions by outcome.\n")
	builder.WriteString("# TYPE multicall_executions_total counter\n")
	for _, metric := range outcomes {
		builder.WriteString(fmt.Sprintf("multicall_executions_total{outcome=\"%s\"} %d\n",
			escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP multicall_execution_duration_seconds Batch execution duration in seconds.\n")
	builder.WriteString("# TYPE multicall_execution_duration_seconds histogram\n")
	for idx, bound := range c.latency.buckets {
		builder.WriteString(fmt.Sprintf("multicall_execution_duration_seconds_bucket{le=\"%s\"} %d\n",
			formatFloat(bound), c.latency.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("multicall_execution_duration_seconds_bucket{le=\"+Inf\"} %d\n", c.latency.count))
	builder.WriteString(fmt.Sprintf("multicall_execution_duration_seconds_sum %s\n", formatFloat(c.latency.sum)))
	builder.WriteString(fmt.Sprintf("multicall_execution_duration_seconds_count %d\n", c.latency.count))

	return builder.String()
}
