package telemetry

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Direction of a byte count relative to the relay.
type Direction int

const (
	// LocalToRemote counts bytes read from a local user and sent to a tunnel peer.
	LocalToRemote Direction = iota
	// RemoteToLocal counts bytes received from a tunnel peer and written to a local user.
	RemoteToLocal
)

func (d Direction) String() string {
	switch d {
	case LocalToRemote:
		return "local_to_remote"
	case RemoteToLocal:
		return "remote_to_local"
	default:
		return "unknown"
	}
}

// TrafficCounters is process-wide traffic state shared by every forwarding
// session. All methods are safe for concurrent use.
type TrafficCounters struct {
	localToRemote atomic.Int64
	remoteToLocal atomic.Int64

	activeStreams atomic.Int64
	totalStreams  atomic.Int64
	failedStreams atomic.Int64

	bytes   *prometheus.CounterVec
	streams *prometheus.CounterVec
	active  prometheus.Gauge
}

// NewTrafficCounters creates counters and registers their Prometheus
// collectors on reg. A nil reg skips registration.
func NewTrafficCounters(reg prometheus.Registerer) *TrafficCounters {
	c := &TrafficCounters{
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quictunnel_forwarded_bytes_total",
			Help: "Payload bytes forwarded between local users and tunnel peers",
		}, []string{"direction"}),
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quictunnel_streams_total",
			Help: "Forwarding sessions by outcome",
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quictunnel_active_streams",
			Help: "Forwarding sessions currently copying",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.bytes, c.streams, c.active)
	}
	return c
}

func (c *TrafficCounters) Record(d Direction, n int64) {
	if n <= 0 {
		return
	}
	switch d {
	case LocalToRemote:
		c.localToRemote.Add(n)
	case RemoteToLocal:
		c.remoteToLocal.Add(n)
	default:
		return
	}
	c.bytes.WithLabelValues(d.String()).Add(float64(n))
}

func (c *TrafficCounters) StreamOpened() {
	c.activeStreams.Add(1)
	c.totalStreams.Add(1)
	c.active.Inc()
}

func (c *TrafficCounters) StreamClosed(err error) {
	c.activeStreams.Add(-1)
	c.active.Dec()
	if err != nil {
		c.failedStreams.Add(1)
		c.streams.WithLabelValues("error").Inc()
		return
	}
	c.streams.WithLabelValues("ok").Inc()
}

type TrafficSnapshot struct {
	LocalToRemote int64 `json:"bytes_local_to_remote"`
	RemoteToLocal int64 `json:"bytes_remote_to_local"`
	ActiveStreams int64 `json:"active_streams"`
	TotalStreams  int64 `json:"total_streams"`
	FailedStreams int64 `json:"failed_streams"`
}

func (c *TrafficCounters) Snapshot() TrafficSnapshot {
	return TrafficSnapshot{
		LocalToRemote: c.localToRemote.Load(),
		RemoteToLocal: c.remoteToLocal.Load(),
		ActiveStreams: c.activeStreams.Load(),
		TotalStreams:  c.totalStreams.Load(),
		FailedStreams: c.failedStreams.Load(),
	}
}
