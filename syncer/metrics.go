package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "goatdb"
	metricsSubsystem = "syncer"
)

func newCounter(name, help string) prometheus.Counter {
	return promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	})
}

var (
	commitsSent = newCounter("commits_sent",
		"Commits attached to outgoing sync messages")
	commitsReceived = newCounter("commits_received",
		"Commits persisted from incoming sync messages")
	decodeCommitFailures = newCounter("decode_commit_failures",
		"Commits dropped from incoming messages because they failed to decode")
	decodeFilterFailures = newCounter("decode_filter_failures",
		"Incoming messages abandoned because the filter failed to decode")
	accessDeniedOutbound = newCounter("access_denied_outbound",
		"Commits withheld from outgoing messages by authorization")
	accessDeniedInbound = newCounter("access_denied_inbound",
		"Incoming commits rejected by authorization")
	cyclesAbandoned = newCounter("cycles_abandoned",
		"Sync cycles abandoned due to timeout or error")

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "cycle_duration_seconds",
		Help:      "End-to-end duration of a sync cycle",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	filterFPR = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "filter_fpr",
		Help:      "False-positive rate of the most recently built filter",
	})
)
