package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Cycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wxbridge_poll_cycles_total",
		Help: "Total poll cycles run.",
	})
	SourceErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wxbridge_source_errors_total",
		Help: "Total cycles where the snapshot could not be read.",
	})
	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wxbridge_decode_errors_total",
		Help: "Total snapshot records skipped as undecodable.",
	})
	Duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wxbridge_duplicates_total",
		Help: "Total candidate messages filtered as already relayed.",
	})
	Relayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wxbridge_relayed_total",
		Help: "Total messages delivered to the webhook.",
	})
	RelayFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wxbridge_relay_failures_total",
		Help: "Total failed webhook deliveries by reason (network, auth).",
	}, []string{"reason"})
	Replies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wxbridge_replies_total",
		Help: "Total reply gateway invocations by outcome (ok, rejected, failed, timeout).",
	}, []string{"outcome"})
	DedupEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wxbridge_dedup_entries",
		Help: "Fingerprints currently held in dedup state.",
	})
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Cycles, SourceErrors, DecodeErrors, Duplicates,
			Relayed, RelayFailures, Replies, DedupEntries,
		)
	})
}
