package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics carries the engine counters exposed on the ops endpoint. All
// methods are nil-safe so tests can run without a registry.
type Metrics struct {
	commands    *prometheus.CounterVec
	answers     prometheus.Counter
	duplicates  prometheus.Counter
	checkpoints *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quizlive",
			Subsystem: "engine",
			Name:      "commands_total",
			Help:      "Game commands processed, by command name and outcome.",
		}, []string{"command", "outcome"}),

		answers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quizlive",
			Subsystem: "engine",
			Name:      "answers_scored_total",
			Help:      "Answers graded and recorded.",
		}),

		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quizlive",
			Subsystem: "engine",
			Name:      "duplicate_answers_total",
			Help:      "Answer submissions rejected as duplicates.",
		}),

		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quizlive",
			Subsystem: "persist",
			Name:      "checkpoints_total",
			Help:      "Durable checkpoint attempts, by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Command(name string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.commands.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) AnswerScored() {
	if m == nil {
		return
	}
	m.answers.Inc()
}

func (m *Metrics) DuplicateAnswer() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) Checkpoint(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.checkpoints.WithLabelValues(outcome).Inc()
}
