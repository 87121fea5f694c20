// Package metrics publishes the dispatcher's own operational counters to a
// Prometheus registry, scraped by the external metrics sink named in
// spec.md §1's out-of-scope list. This is the Go shape of the original
// Python `counter.AutoExportingCounters` (self.counts) referenced in
// original_source/dispatching/dispatcher.py.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Counters bundles every counter/gauge the dispatch drivers increment.
type Counters struct {
	DispatchCount        prometheus.Counter
	FinishedCount        prometheus.Counter
	FilesCompleted       prometheus.Counter
	SubmissionsFinalized prometheus.Counter
	ServiceDispatched    *prometheus.CounterVec
	ServiceFailed        *prometheus.CounterVec
}

// NewCounters registers and returns a fresh Counters bundle. Pass a
// dedicated *prometheus.Registry in tests to avoid collisions with the
// global default registry.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		DispatchCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_dispatch_total",
			Help: "Total number of (file, service) cells ever dispatched.",
		}),
		FinishedCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_finished_total",
			Help: "Total number of (file, service) cells that reached a terminal state.",
		}),
		FilesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_files_completed_total",
			Help: "Total number of files for which every scheduled service is terminal.",
		}),
		SubmissionsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_submissions_finalized_total",
			Help: "Total number of submissions that reached finalize.",
		}),
		ServiceDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_service_dispatched_total",
			Help: "Total ServiceTasks dispatched, by service name.",
		}, []string{"service"}),
		ServiceFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_service_failed_total",
			Help: "Total service failures observed, by service name and whether terminal.",
		}, []string{"service", "terminal"}),
	}

	reg.MustRegister(c.DispatchCount, c.FinishedCount, c.FilesCompleted,
		c.SubmissionsFinalized, c.ServiceDispatched, c.ServiceFailed)
	return c
}
