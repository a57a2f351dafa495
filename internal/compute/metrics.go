package compute

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics Prometheus-метрики вычислительного устройства
type Metrics struct {
	dispatches *prometheus.CounterVec
	barriers   prometheus.Counter
	hazards    prometheus.Counter
	failures   *prometheus.CounterVec
	textures   prometheus.Gauge
	bytes      prometheus.Gauge
}

// NewMetrics создаёт метрики и регистрирует их в reg (nil — без регистрации)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxel",
			Subsystem: "compute",
			Name:      "dispatches_total",
			Help:      "Количество отправленных ядер.",
		}, []string{"kernel"}),
		barriers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxel",
			Subsystem: "compute",
			Name:      "barriers_total",
			Help:      "Количество барьеров упорядочивания.",
		}),
		hazards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxel",
			Subsystem: "compute",
			Name:      "hazards_total",
			Help:      "Отвергнутые обращения без барьера.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxel",
			Subsystem: "compute",
			Name:      "dispatch_failures_total",
			Help:      "Ошибки отправки ядер.",
		}, []string{"kernel"}),
		textures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxel",
			Subsystem: "compute",
			Name:      "textures",
			Help:      "Количество выделенных 3D-текстур.",
		}),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxel",
			Subsystem: "compute",
			Name:      "texture_bytes",
			Help:      "Объём памяти текстур в байтах.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.dispatches, m.barriers, m.hazards, m.failures, m.textures, m.bytes)
	}
	return m
}

// InstrumentedDevice декоратор, считающий операции устройства
type InstrumentedDevice struct {
	Device
	metrics *Metrics
	mu      sync.Mutex
	sizes   map[TextureID]int64
}

// Instrument оборачивает устройство метриками
func Instrument(dev Device, m *Metrics) *InstrumentedDevice {
	return &InstrumentedDevice{Device: dev, metrics: m, sizes: make(map[TextureID]int64)}
}

// AllocateVolume выделяет текстуру и обновляет счётчики памяти
func (d *InstrumentedDevice) AllocateVolume(desc VolumeDesc) (TextureID, error) {
	id, err := d.Device.AllocateVolume(desc)
	if err == nil {
		d.mu.Lock()
		d.sizes[id] = desc.Bytes()
		d.mu.Unlock()
		d.metrics.textures.Inc()
		d.metrics.bytes.Add(float64(desc.Bytes()))
	}
	return id, err
}

// ReleaseVolume освобождает текстуру и обновляет счётчики памяти
func (d *InstrumentedDevice) ReleaseVolume(tex TextureID) error {
	if err := d.Device.ReleaseVolume(tex); err != nil {
		return err
	}
	d.mu.Lock()
	size := d.sizes[tex]
	delete(d.sizes, tex)
	d.mu.Unlock()
	d.metrics.textures.Dec()
	d.metrics.bytes.Sub(float64(size))
	return nil
}

// Dispatch отправляет ядро и считает отправки
func (d *InstrumentedDevice) Dispatch(kernel KernelID, groups GroupCount, b Bindings) error {
	err := d.Device.Dispatch(kernel, groups, b)
	d.observe(kernel, err)
	return err
}

// Barrier вставляет барьер и считает его
func (d *InstrumentedDevice) Barrier(scope BarrierScope) error {
	d.metrics.barriers.Inc()
	return d.Device.Barrier(scope)
}

// Download читает мип и считает нарушения упорядочивания
func (d *InstrumentedDevice) Download(tex TextureID, mip int) ([]byte, error) {
	data, err := d.Device.Download(tex, mip)
	if errors.Is(err, ErrHazard) {
		d.metrics.hazards.Inc()
	}
	return data, err
}

func (d *InstrumentedDevice) observe(kernel KernelID, err error) {
	if err == nil {
		d.metrics.dispatches.WithLabelValues(string(kernel)).Inc()
		return
	}
	if errors.Is(err, ErrHazard) {
		d.metrics.hazards.Inc()
	}
	d.metrics.failures.WithLabelValues(string(kernel)).Inc()
}
