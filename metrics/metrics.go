// Package metrics exposes a Core's live state as Prometheus metrics:
// lane queue depths and drop counts, peer counts, and per-store
// sequence numbers. It is a custom prometheus.Collector, the same
// Desc/Collect shape monitoring/prometheus/exporter.go uses, adapted
// from a scrape-a-remote-server poll into a direct in-process read of
// the Core's own actor state — Collect runs on the scrape's goroutine,
// and each Source method of broker.Core performs its read on the Core's
// actor goroutine and returns copies, so no lock is needed here.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SiChiTong/broker/governor"
)

// Source is whatever a Core exposes for a scrape: the set of
// registered lanes, the number of connected or pending peers, and the set of
// per-store sequence numbers at the moment Collect runs.
type Source interface {
	Lanes() []*governor.Lane
	PeerCount() int
	StoreSequences() map[string]uint64
}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	namespace string
	src       Source

	laneQueueDepth *prometheus.Desc
	laneDropped    *prometheus.Desc
	laneCredit     *prometheus.Desc
	laneBlocked    *prometheus.Desc
	peerCount      *prometheus.Desc
	storeSequence  *prometheus.Desc
}

// New returns a Collector reading from src under the given metric
// namespace (e.g. "broker").
func New(namespace string, src Source) *Collector {
	return &Collector{
		namespace: namespace,
		src:       src,
		laneQueueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "lane", "queue_depth"),
			"Number of messages currently buffered on a lane.",
			[]string{"destination"}, nil,
		),
		laneDropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "lane", "dropped_total"),
			"Number of messages dropped on a lane due to saturation.",
			[]string{"destination"}, nil,
		),
		laneCredit: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "lane", "credit"),
			"Current outstanding credit balance on a lane.",
			[]string{"destination"}, nil,
		),
		laneBlocked: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "lane", "blocked"),
			"Whether a lane is currently saturated (1) or not (0).",
			[]string{"destination"}, nil,
		),
		peerCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "peers_connected"),
			"Number of peers currently connected or pending.",
			nil, nil,
		),
		storeSequence: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "sequence"),
			"Current sequence number of a named store.",
			[]string{"store"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.laneQueueDepth
	ch <- c.laneDropped
	ch <- c.laneCredit
	ch <- c.laneBlocked
	ch <- c.peerCount
	ch <- c.storeSequence
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, l := range c.src.Lanes() {
		dest := string(l.Destination)
		ch <- prometheus.MustNewConstMetric(c.laneQueueDepth, prometheus.GaugeValue, float64(len(l.Queue)), dest)
		ch <- prometheus.MustNewConstMetric(c.laneDropped, prometheus.CounterValue, float64(l.Dropped()), dest)
		ch <- prometheus.MustNewConstMetric(c.laneCredit, prometheus.GaugeValue, float64(l.Credit), dest)
		blocked := float64(0)
		if l.Blocked {
			blocked = 1
		}
		ch <- prometheus.MustNewConstMetric(c.laneBlocked, prometheus.GaugeValue, blocked, dest)
	}

	ch <- prometheus.MustNewConstMetric(c.peerCount, prometheus.GaugeValue, float64(c.src.PeerCount()))

	for name, seq := range c.src.StoreSequences() {
		ch <- prometheus.MustNewConstMetric(c.storeSequence, prometheus.CounterValue, float64(seq), name)
	}
}
