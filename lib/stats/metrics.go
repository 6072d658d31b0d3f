package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const Namespace = "mirror"

var (
	Gather = prometheus.NewRegistry()

	ChunkIOErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "chunk",
			Name:      "io_errors_total",
			Help:      "Counter of failed chunk command blocks.",
		}, []string{"volume", "chunk"})

	WorkUnitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "volume",
			Name:      "work_units_total",
			Help:      "Counter of resolved work units.",
		}, []string{"volume", "op", "result"})

	WorkUnitRejectCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "volume",
			Name:      "rejected_total",
			Help:      "Counter of rejected I/O requests.",
		}, []string{"volume", "reason"})

	CollisionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "volume",
			Name:      "collisions_total",
			Help:      "Counter of work units deferred behind an overlapping work unit.",
		}, []string{"volume"})

	ReadRetryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "volume",
			Name:      "read_retries_total",
			Help:      "Counter of reads re-dispatched after every replica failed.",
		}, []string{"volume"})

	VolumeStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "volume",
			Name:      "status",
			Help:      "Current volume status code.",
		}, []string{"volume"})

	ChunkStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "chunk",
			Name:      "status",
			Help:      "Current chunk status code.",
		}, []string{"volume", "chunk"})
)

func init() {
	Gather.MustRegister(ChunkIOErrorCounter)
	Gather.MustRegister(WorkUnitCounter)
	Gather.MustRegister(WorkUnitRejectCounter)
	Gather.MustRegister(CollisionCounter)
	Gather.MustRegister(ReadRetryCounter)
	Gather.MustRegister(VolumeStatusGauge)
	Gather.MustRegister(ChunkStatusGauge)
	Gather.MustRegister(collectors.NewGoCollector())
	Gather.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}
