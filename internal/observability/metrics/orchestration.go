package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	loopIterations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loop_iterations_total",
		Help:      "Model rounds executed by the conversation loop.",
	})

	loopOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loop_outcomes_total",
		Help:      "Conversation loop terminations by outcome.",
	}, []string{"outcome"})

	toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool invocations by tool name and result.",
	}, []string{"tool", "result"})

	providerFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_fallbacks_total",
		Help:      "Switches to the fallback model after a provider failure.",
	}, []string{"from"})

	pipelineTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_transitions_total",
		Help:      "Pipeline status transitions by target status.",
	}, []string{"status"})

	pipelineStageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Pipeline stage duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"stage", "result"})

	queueEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intake_queue_events_total",
		Help:      "Lead intake queue events by driver and action.",
	}, []string{"driver", "action"})
)

// Loop outcomes.
const (
	OutcomeAnswer        = "answer"
	OutcomeBreaker       = "breaker"
	OutcomeMaxIterations = "max_iterations"
	OutcomeProviderError = "provider_error"
)

// ObserveLoopIteration counts one model round.
func ObserveLoopIteration() { loopIterations.Inc() }

// ObserveLoopOutcome counts a loop termination.
func ObserveLoopOutcome(outcome string) { loopOutcomes.WithLabelValues(outcome).Inc() }

// ObserveToolCall counts a tool invocation.
func ObserveToolCall(tool string, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	toolCalls.WithLabelValues(tool, result).Inc()
}

// ObserveProviderFallback counts a switch to the fallback model.
func ObserveProviderFallback(from string) { providerFallbacks.WithLabelValues(from).Inc() }

// ObservePipelineTransition counts a status change.
func ObservePipelineTransition(status string) { pipelineTransitions.WithLabelValues(status).Inc() }

// ObservePipelineStage records a stage duration.
func ObservePipelineStage(stage string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	pipelineStageDuration.WithLabelValues(stage, result).Observe(duration.Seconds())
}

// ObserveQueueEvent counts an intake queue action (publish, consume, ack, nack).
func ObserveQueueEvent(driver, action string) { queueEvents.WithLabelValues(driver, action).Inc() }
