package protoid

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "protoid"

var (
	activeConnectionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "mux", "active_connections"),
		"Connections currently held by the multiplexer.",
		nil, nil,
	)
	errorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "mux", "errors_total"),
		"Connections dropped by the multiplexer, by reason.",
		[]string{"reason"}, nil,
	)
	hitsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "mux", "identified_total"),
		"Connections identified, by application.",
		[]string{"application"}, nil,
	)
	bytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "mux", "bytes_total"),
		"Bytes proxied, by application and direction.",
		[]string{"application", "direction"}, nil,
	)
	rateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "mux", "bytes_per_second"),
		"Bytes proxied during the last second, by direction.",
		[]string{"direction"}, nil,
	)
)

// Collector 返回导出 ProtocolManager 指标的 prometheus.Collector
func (pm *ProtocolManager) Collector() prometheus.Collector {
	return &metricsCollector{metrics: &pm.metrics}
}

type metricsCollector struct {
	metrics *Metrics
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- activeConnectionsDesc
	ch <- errorsDesc
	ch <- hitsDesc
	ch <- bytesDesc
	ch <- rateDesc
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.metrics

	ch <- prometheus.MustNewConstMetric(activeConnectionsDesc, prometheus.GaugeValue, float64(m.ActiveConnections.Load()))

	ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, float64(m.IdentifyErrors.Load()), "unidentified")
	ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, float64(m.UnroutedErrors.Load()), "unrouted")
	ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, float64(m.ProxyErrors.Load()), "proxy")

	ch <- prometheus.MustNewConstMetric(rateDesc, prometheus.GaugeValue, float64(m.LastInBytes.Load()), "in")
	ch <- prometheus.MustNewConstMetric(rateDesc, prometheus.GaugeValue, float64(m.LastOutBytes.Load()), "out")

	m.ProtocolHits.Range(func(key, value interface{}) bool {
		ch <- prometheus.MustNewConstMetric(hitsDesc, prometheus.CounterValue, float64(value.(*atomic.Int64).Load()), key.(string))
		return true
	})

	m.ProtocolTraffic.Range(func(key, value interface{}) bool {
		stats := value.(*ProtocolTrafficStats)
		ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.CounterValue, float64(stats.TotalIn.Load()), key.(string), "in")
		ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.CounterValue, float64(stats.TotalOut.Load()), key.(string), "out")
		return true
	})
}
