package metrics

import (
	"bytes"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "nexus"

var (
	executionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "handler", "executions_total"),
		"Total handler executions by final status",
		[]string{"status"}, nil,
	)
	executionTimeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "handler", "execution_time_us"),
		"Average handler execution time in microseconds",
		nil, nil,
	)
	suspensionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "handler", "suspensions_total"),
		"Total executions suspended on an extension call",
		nil, nil,
	)
	cacheHitRateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "hit_rate"),
		"Fraction of executions served from the compile cache",
		nil, nil,
	)
	peakMemoryDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "peak_memory_bytes"),
		"Highest memory use observed for a single execution",
		nil, nil,
	)
	hostCallsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "host_calls_total"),
		"Total host function calls by function",
		[]string{"function"}, nil,
	)
	errorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "errors_total"),
		"Total execution errors by code",
		[]string{"code"}, nil,
	)
)

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- executionsDesc
	ch <- executionTimeDesc
	ch <- suspensionsDesc
	ch <- cacheHitRateDesc
	ch <- peakMemoryDesc
	ch <- hostCallsDesc
	ch <- errorsDesc
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(executionsDesc, prometheus.CounterValue, float64(c.successes.Load()), "success")
	ch <- prometheus.MustNewConstMetric(executionsDesc, prometheus.CounterValue, float64(c.failures.Load()), "error")
	ch <- prometheus.MustNewConstMetric(executionTimeDesc, prometheus.GaugeValue, c.AvgExecutionTimeUS())
	ch <- prometheus.MustNewConstMetric(suspensionsDesc, prometheus.CounterValue, float64(c.suspensions.Load()))
	ch <- prometheus.MustNewConstMetric(cacheHitRateDesc, prometheus.GaugeValue, c.CacheHitRate())
	ch <- prometheus.MustNewConstMetric(peakMemoryDesc, prometheus.GaugeValue, float64(c.peakMemoryBytes.Load()))

	calls := c.HostCalls()
	for _, name := range sortedKeys(calls) {
		ch <- prometheus.MustNewConstMetric(hostCallsDesc, prometheus.CounterValue, float64(calls[name]), name)
	}
	errs := c.Errors()
	for _, code := range sortedKeys(errs) {
		ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, float64(errs[code]), code)
	}
}

// Gauges exposes live values owned by other components (pool, compiler)
type Gauges struct {
	ActiveInstances    func() float64
	AvailableInstances func() float64
	SuspendedInstances func() float64
	TotalMemoryBytes   func() float64
	CacheEntries       func() float64
	CacheSizeBytes     func() float64
}

// Register adds the collector and any non-nil gauges to reg
func Register(reg prometheus.Registerer, c *Collector, g Gauges) error {
	if err := reg.Register(c); err != nil {
		return fmt.Errorf("register collector: %w", err)
	}

	funcs := []struct {
		subsystem, name, help string
		fn                    func() float64
	}{
		{"pool", "active_instances", "Instances currently executing or suspended", g.ActiveInstances},
		{"pool", "available_instances", "Idle instances on the free list", g.AvailableInstances},
		{"pool", "suspended_instances", "Instances parked on a pending extension call", g.SuspendedInstances},
		{"pool", "memory_bytes", "Memory attributed to leased instances", g.TotalMemoryBytes},
		{"cache", "entries", "Compiled handlers in the memory cache", g.CacheEntries},
		{"cache", "size_bytes", "Bytes held by the memory cache", g.CacheSizeBytes},
	}
	for _, f := range funcs {
		if f.fn == nil {
			continue
		}
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: f.subsystem,
			Name:      f.name,
			Help:      f.help,
		}, f.fn)
		if err := reg.Register(gauge); err != nil {
			return fmt.Errorf("register %s_%s: %w", f.subsystem, f.name, err)
		}
	}
	return nil
}

// Text renders everything g gathers in the Prometheus text format
func Text(g prometheus.Gatherer) (string, error) {
	families, err := g.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}
