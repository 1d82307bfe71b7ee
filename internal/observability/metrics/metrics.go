package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ConversationMetrics exposes counters/histograms for prospecting conversations.
type ConversationMetrics struct {
	turnsTotal         *prometheus.CounterVec
	botDetectionsTotal *prometheus.CounterVec
	followupsTotal     *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	generationLatency  *prometheus.HistogramVec
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prospecting",
			Subsystem: "conversation",
			Name:      "turns_total",
			Help:      "Incoming messages handled, by stage and outcome",
		}, []string{"stage", "outcome"}),
		botDetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prospecting",
			Subsystem: "conversation",
			Name:      "bot_detections_total",
			Help:      "Incoming messages classified as automated, by reason",
		}, []string{"reason"}),
		followupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prospecting",
			Subsystem: "conversation",
			Name:      "followups_total",
			Help:      "Follow-up timer fires, by outcome",
		}, []string{"outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prospecting",
			Subsystem: "conversation",
			Name:      "stage_transitions_total",
			Help:      "Committed stage transitions",
		}, []string{"from", "to"}),
		generationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "prospecting",
			Subsystem: "conversation",
			Name:      "generation_latency_seconds",
			Help:      "Latency of text generation calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"purpose", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.botDetectionsTotal, m.followupsTotal, m.transitionsTotal, m.generationLatency)
	return m
}

func (m *ConversationMetrics) ObserveTurn(stage, outcome string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(stage, outcome).Inc()
}

func (m *ConversationMetrics) ObserveBotDetection(reason string) {
	if m == nil {
		return
	}
	m.botDetectionsTotal.WithLabelValues(reason).Inc()
}

func (m *ConversationMetrics) ObserveFollowup(outcome string) {
	if m == nil {
		return
	}
	m.followupsTotal.WithLabelValues(outcome).Inc()
}

func (m *ConversationMetrics) ObserveTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *ConversationMetrics) ObserveGeneration(purpose string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.generationLatency.WithLabelValues(purpose, status).Observe(elapsed.Seconds())
}
