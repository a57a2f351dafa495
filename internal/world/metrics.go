package world

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics Prometheus-метрики ядра мира. Методы безопасны на nil.
type Metrics struct {
	chunks         prometheus.Gauge
	generated      *prometheus.CounterVec
	failures       *prometheus.CounterVec
	genDuration    prometheus.Histogram
	resortDuration prometheus.Histogram
	instances      prometheus.Gauge
	shadowRebuilds prometheus.Counter
	shadowPresent  prometheus.Gauge
}

// NewMetrics создаёт метрики и регистрирует их в reg (nil — без регистрации)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		chunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxel",
			Subsystem: "world",
			Name:      "chunks",
			Help:      "Количество чанков в хранилище.",
		}),
		generated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxel",
			Subsystem: "world",
			Name:      "chunk_generations_total",
			Help:      "Сгенерированные уровни детализации чанков.",
		}, []string{"lod"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxel",
			Subsystem: "world",
			Name:      "chunk_generation_failures_total",
			Help:      "Неудачные генерации уровней чанков.",
		}, []string{"lod"}),
		genDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voxel",
			Subsystem: "world",
			Name:      "chunk_generation_seconds",
			Help:      "Длительность генерации уровня (отправка и барьер).",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		resortDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voxel",
			Subsystem: "world",
			Name:      "resort_seconds",
			Help:      "Длительность прохода планировщика.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxel",
			Subsystem: "world",
			Name:      "instances",
			Help:      "Количество экземпляров в последнем списке отрисовки.",
		}),
		shadowRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxel",
			Subsystem: "world",
			Name:      "shadow_rebuilds_total",
			Help:      "Пересборки теневого объёма.",
		}),
		shadowPresent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxel",
			Subsystem: "world",
			Name:      "shadow_present_slots",
			Help:      "Заполненные ячейки окрестности при последней пересборке.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.chunks, m.generated, m.failures, m.genDuration,
			m.resortDuration, m.instances, m.shadowRebuilds, m.shadowPresent)
	}
	return m
}

func (m *Metrics) observeGenerated(l LOD, d time.Duration, chunks int) {
	if m == nil {
		return
	}
	m.generated.WithLabelValues(strconv.Itoa(int(l))).Inc()
	m.genDuration.Observe(d.Seconds())
	m.chunks.Set(float64(chunks))
}

func (m *Metrics) observeFailure(l LOD) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(strconv.Itoa(int(l))).Inc()
}

func (m *Metrics) observeResort(d time.Duration, instances int) {
	if m == nil {
		return
	}
	m.resortDuration.Observe(d.Seconds())
	m.instances.Set(float64(instances))
}

func (m *Metrics) observeShadow(present int) {
	if m == nil {
		return
	}
	m.shadowRebuilds.Inc()
	m.shadowPresent.Set(float64(present))
}
