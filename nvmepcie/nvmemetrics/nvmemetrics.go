// Package nvmemetrics instruments nvmepcie.QueuePair with Prometheus
// counters. Grounded on open-source-firmware/go-tcg-storage, which fronts
// dswarbrick/smart-derived NVMe tooling with a
// github.com/prometheus/client_golang exporter — the same split kept here:
// the transport core (nvmepcie) stays metrics-agnostic and a Recorder is
// wired in by the caller through QueuePair.SetMetrics.
package nvmemetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dswarbrick/nvme-pcie/nvmepcie"
)

// Recorder implements nvmepcie.Metrics, exposing queue-pair activity as
// Prometheus counters labelled by qpair ID and role (admin vs I/O).
type Recorder struct {
	submitted *prometheus.CounterVec
	completed *prometheus.CounterVec
	retried   *prometheus.CounterVec
	doorbells *prometheus.CounterVec
	aborted   *prometheus.CounterVec
}

// NewRecorder constructs a Recorder and registers its collectors against
// reg. Pass prometheus.DefaultRegisterer to use the global registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvmepcie",
			Name:      "commands_submitted_total",
			Help:      "Commands submitted to a queue pair's submission queue.",
		}, []string{"qpair", "role"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvmepcie",
			Name:      "commands_completed_total",
			Help:      "Commands retired from a queue pair's completion queue, by outcome.",
		}, []string{"qpair", "role", "outcome"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvmepcie",
			Name:      "commands_retried_total",
			Help:      "Transient-error completions that were resubmitted in place.",
		}, []string{"qpair", "role"}),
		doorbells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvmepcie",
			Name:      "doorbell_writes_total",
			Help:      "Doorbell register writes, by ring.",
		}, []string{"qpair", "role", "ring"}),
		aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvmepcie",
			Name:      "outstanding_aborted_total",
			Help:      "Outstanding commands manually aborted (AER cancellation on disable).",
		}, []string{"qpair", "role"}),
	}

	reg.MustRegister(r.submitted, r.completed, r.retried, r.doorbells, r.aborted)
	return r
}

func role(isAdmin bool) string {
	if isAdmin {
		return "admin"
	}
	return "io"
}

func outcome(isError bool) string {
	if isError {
		return "error"
	}
	return "success"
}

func ring(isSQ bool) string {
	if isSQ {
		return "sq"
	}
	return "cq"
}

func (r *Recorder) CommandSubmitted(qpairID uint16, isAdmin bool) {
	r.submitted.WithLabelValues(strconv.Itoa(int(qpairID)), role(isAdmin)).Inc()
}

func (r *Recorder) CommandCompleted(qpairID uint16, isAdmin bool, isError bool) {
	r.completed.WithLabelValues(strconv.Itoa(int(qpairID)), role(isAdmin), outcome(isError)).Inc()
}

func (r *Recorder) CommandRetried(qpairID uint16, isAdmin bool) {
	r.retried.WithLabelValues(strconv.Itoa(int(qpairID)), role(isAdmin)).Inc()
}

func (r *Recorder) DoorbellWritten(qpairID uint16, isAdmin bool, isSQ bool) {
	r.doorbells.WithLabelValues(strconv.Itoa(int(qpairID)), role(isAdmin), ring(isSQ)).Inc()
}

func (r *Recorder) OutstandingAborted(qpairID uint16, isAdmin bool) {
	r.aborted.WithLabelValues(strconv.Itoa(int(qpairID)), role(isAdmin)).Inc()
}

var _ nvmepcie.Metrics = (*Recorder)(nil)
