package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/martinemde/codeloop/events"
)

// Metrics turns engine events into Prometheus series. Register Observe with
// an events.Emitter to feed it.
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	emitter.Observe(metrics.Observe)
type Metrics struct {
	// StageTransitions counts pipeline stages entered.
	// Labels: stage, tool
	StageTransitions *prometheus.CounterVec

	// ToolResults counts finished tool calls.
	// Labels: tool, kind (ok|tool_not_found|invalid_arguments|permission_denied|user_rejected|tool_error|cancelled)
	ToolResults *prometheus.CounterVec

	// ToolDuration measures time spent in the pipeline per call in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// ModelCalls counts model responses received.
	ModelCalls prometheus.Counter

	// Tokens counts tokens reported by the provider.
	// Labels: type (input|output)
	Tokens *prometheus.CounterVec

	// Turns counts finished turns.
	// Labels: status (completed|turn_limit|cancelled|provider_error)
	Turns *prometheus.CounterVec

	// LoopsDetected counts repeated-call warnings.
	LoopsDetected prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StageTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_pipeline_stages_total",
				Help: "Pipeline stages entered by stage and tool",
			},
			[]string{"stage", "tool"},
		),
		ToolResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_tool_results_total",
				Help: "Finished tool calls by tool and result kind",
			},
			[]string{"tool", "kind"},
		),
		ToolDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codeloop_tool_duration_seconds",
				Help:    "Time a tool call spent in the pipeline in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		ModelCalls: f.NewCounter(prometheus.CounterOpts{
			Name: "codeloop_model_calls_total",
			Help: "Model responses received",
		}),
		Tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_tokens_total",
				Help: "Tokens reported by the provider by type",
			},
			[]string{"type"},
		),
		Turns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeloop_turns_total",
				Help: "Finished turns by status",
			},
			[]string{"status"},
		),
		LoopsDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "codeloop_loops_detected_total",
			Help: "Repeated tool call patterns detected",
		}),
	}
}

// Observe records ev. It never blocks.
func (m *Metrics) Observe(ev events.Event) {
	switch ev.Kind {
	case events.KindStage:
		m.StageTransitions.WithLabelValues(ev.Stage, ev.Tool).Inc()

	case events.KindToolResult:
		kind, _ := ev.Data["kind"].(string)
		m.ToolResults.WithLabelValues(ev.Tool, kind).Inc()
		if ms, ok := number(ev.Data["duration_ms"]); ok {
			m.ToolDuration.WithLabelValues(ev.Tool).Observe((time.Duration(ms) * time.Millisecond).Seconds())
		}

	case events.KindModelResponse:
		m.ModelCalls.Inc()
		if n, ok := number(ev.Data["input_tokens"]); ok {
			m.Tokens.WithLabelValues("input").Add(float64(n))
		}
		if n, ok := number(ev.Data["output_tokens"]); ok {
			m.Tokens.WithLabelValues("output").Add(float64(n))
		}

	case events.KindTurnEnd:
		status, _ := ev.Data["status"].(string)
		if status == "" {
			status = "error"
		}
		m.Turns.WithLabelValues(status).Inc()

	case events.KindLoopDetected:
		m.LoopsDetected.Inc()
	}
}

func number(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
