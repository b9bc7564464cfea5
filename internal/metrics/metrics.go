// Package metrics exposes job lifecycle counters in Prometheus format.
//
// Collector owns its registry; nothing is registered globally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"timerd/internal/eventbus"
)

const namespace = "timerd"

type Collector struct {
	reg *prometheus.Registry

	scheduled prometheus.Counter
	replaced  prometheus.Counter
	cancelled *prometheus.CounterVec
	runs      *prometheus.CounterVec
	duration  prometheus.Histogram
	lateness  prometheus.Histogram
}

// New builds a collector. pending, when non-nil, backs the jobs_pending gauge.
func New(pending func() int) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_scheduled_total",
			Help:      "Jobs accepted by the scheduler, including replacements.",
		}),
		replaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_replaced_total",
			Help:      "Submissions that replaced a pending job with the same id.",
		}),
		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Cancel requests by result.",
		}, []string{"result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_runs_total",
			Help:      "Job executions by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_duration_seconds",
			Help:      "Time spent in the processing callback.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		lateness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_lateness_seconds",
			Help:      "Delay between a job's due time and the start of its run.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.scheduled, c.replaced, c.cancelled, c.runs, c.duration, c.lateness,
	)
	if pending != nil {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Jobs currently registered and not yet completed.",
		}, func() float64 { return float64(pending()) }))
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Observe updates the counters from one bus event. Unknown types are ignored.
func (c *Collector) Observe(ev eventbus.Event) {
	data, _ := ev.Data.(eventbus.JobData)
	switch ev.Type {
	case eventbus.JobScheduled:
		c.scheduled.Inc()
	case eventbus.JobReplaced:
		c.replaced.Inc()
	case eventbus.JobCancelled:
		c.cancelled.WithLabelValues(data.Result).Inc()
	case eventbus.JobStarted:
		c.lateness.Observe(data.Lateness.Seconds())
	case eventbus.JobFinished:
		c.runs.WithLabelValues("ok").Inc()
		c.duration.Observe(data.Duration.Seconds())
	case eventbus.JobFailed:
		c.runs.WithLabelValues("failed").Inc()
		c.duration.Observe(data.Duration.Seconds())
	case eventbus.JobAborted:
		c.runs.WithLabelValues("aborted").Inc()
	}
}
