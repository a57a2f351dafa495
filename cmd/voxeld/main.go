package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/voxel-terrain/internal/api"
	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/config"
	"github.com/annel0/voxel-terrain/internal/eventbus"
	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/observability"
	"github.com/annel0/voxel-terrain/internal/world"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML-конфигурации (по умолчанию $VOXEL_CONFIG)")
	speed := flag.Float64("speed", 4, "скорость пролёта камеры, м/с")
	flag.Parse()

	if err := logging.InitDefaultLogger("voxeld"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	logging.Info("🌍 Запуск voxeld...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Некорректная конфигурация: %v", err)
	}
	level := logging.ParseLevel(cfg.LogLevel)
	for _, component := range []string{"world", "api", "voxel", "compute", "eventbus"} {
		logger := logging.GetComponentLogger(component)
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === ТЕЛЕМЕТРИЯ ===
	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		logging.Warn("⚠️ Трассировка отключена: %v", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// === УСТРОЙСТВО ===
	sw := compute.NewSoftwareDevice(compute.Options{
		Workers:       cfg.Device.Workers,
		WorkgroupSize: cfg.Device.WorkgroupSize,
		MaxTextures:   cfg.Device.MaxTextures,
		MaxBytes:      cfg.Device.MaxBytes,
	})
	world.RegisterKernels(sw)
	device := compute.Instrument(sw, compute.NewMetrics(registry))
	logging.Info("🧮 Программное устройство: workgroup=%d", sw.WorkgroupSize())

	// === ШИНА СОБЫТИЙ ===
	bus, err := newBus(cfg.EventBus)
	if err != nil {
		log.Fatalf("❌ Ошибка создания шины событий: %v", err)
	}
	listener, err := eventbus.StartLoggingListener(bus)
	if err != nil {
		log.Fatalf("❌ Ошибка подписки на события: %v", err)
	}
	exporter := eventbus.NewMetricsExporter(bus, registry)
	exporter.Start()

	// === МИР ===
	wc, err := world.NewContext(device, cfg.World)
	if err != nil {
		log.Fatalf("❌ Ошибка создания контекста мира: %v", err)
	}
	wc.Metrics = world.NewMetrics(registry)
	wc.Bus = bus

	w, err := world.New(wc)
	if err != nil {
		log.Fatalf("❌ Ошибка создания мира: %v", err)
	}

	// === ОТЛАДОЧНЫЙ API ===
	debugAddr := fmt.Sprintf(":%d", cfg.Server.GetDebugPort())
	server := api.NewRestServer(api.Config{
		Addr:        debugAddr,
		World:       w,
		Registerer:  registry,
		Gatherer:    registry,
		DeviceStats: sw.Stats,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	go func() {
		if err := server.Start(); err != nil {
			logging.Error("❌ Ошибка отладочного API: %v", err)
			stop()
		}
	}()

	logging.Info("✅ Мир готов: чанк %dx%dx%d, воксель %.2f м, LOD=%d, радиус обзора %d",
		cfg.World.ChunkWidth, cfg.World.ChunkHeight, cfg.World.ChunkWidth,
		cfg.World.VoxelScale, cfg.World.LODCount, cfg.World.ViewRadius)
	logging.Info("   🔍 Отладочный API: http://localhost%s/api/frame", debugAddr)
	logging.Info("   📈 Метрики: http://localhost%s/metrics", debugAddr)

	runFrames(ctx, w, cfg, float32(*speed))

	// === GRACEFUL SHUTDOWN ===
	logging.Info("📡 Получен сигнал завершения, останавливаемся...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logging.Error("❌ Ошибка остановки API: %v", err)
	}
	if err := w.Close(); err != nil {
		logging.Error("❌ Ошибка освобождения ресурсов мира: %v", err)
	}
	listener.Unsubscribe()
	exporter.Stop()
	if err := bus.Close(); err != nil {
		logging.Error("❌ Ошибка закрытия шины событий: %v", err)
	}
	if err := sw.Close(); err != nil {
		logging.Error("❌ Ошибка остановки устройства: %v", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logging.Error("❌ Ошибка остановки телеметрии: %v", err)
	}

	logging.Info("👋 voxeld остановлен")
}

func newBus(cfg config.EventBusConfig) (eventbus.EventBus, error) {
	if cfg.URL == "" {
		logging.Info("📨 Шина событий: in-memory (буфер %d)", cfg.Buffer)
		return eventbus.NewMemoryBus(cfg.Buffer), nil
	}

	bus, err := eventbus.NewJetStreamBus(cfg.URL, cfg.Stream, time.Duration(cfg.Retention)*time.Hour)
	if err != nil {
		return nil, err
	}
	logging.Info("📨 Шина событий: JetStream %s, стрим %s", cfg.URL, cfg.Stream)
	return bus, nil
}

// runFrames крутит кадры с фиксированной частотой, пока ctx не отменён.
// Камера летит по прямой над рельефом, чуть выше половины высоты чанка.
func runFrames(ctx context.Context, w *world.World, cfg *config.Config, speed float32) {
	rate := cfg.Server.FrameRate
	if rate <= 0 {
		rate = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	chunkSize := float32(cfg.World.ChunkWidth) * cfg.World.VoxelScale
	altitude := float32(cfg.World.ChunkHeight) * cfg.World.VoxelScale * 0.75
	heading := mgl32.Vec3{1, 0, 0.35}.Normalize()
	start := mgl32.Vec3{chunkSize / 2, altitude, chunkSize / 2}
	look := mgl32.Vec3{heading.X(), -0.5, heading.Z()}

	began := time.Now()
	var lastReport time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		elapsed := float32(time.Since(began).Seconds())
		camera := start.Add(heading.Mul(elapsed * speed))

		frame := w.Update(ctx, camera)
		if frame.Err != nil {
			logging.Warn("⚠️ Кадр %d: %v", frame.Number, frame.Err)
		}
		if frame.ShadowRebuilt {
			logging.Debug("🌑 Кадр %d: теневой объём пересобран вокруг (%d,%d)", frame.Number, frame.Focus.X, frame.Focus.Y)
		}

		pick, err := w.Pick(camera, look, chunkSize)
		if err != nil {
			logging.Trace("pick: %v", err)
		}

		if time.Since(lastReport) >= 5*time.Second {
			lastReport = time.Now()
			distance := float32(math.Inf(1))
			if pick.Hit {
				distance = pick.T
			}
			stats := w.Stats()
			logging.Info("🎞️ Кадр %d: фокус (%d,%d), экземпляров %d, чанков %d, кадр %s, до поверхности %.2f м",
				frame.Number, frame.Focus.X, frame.Focus.Y, len(frame.Instances), stats.Chunks,
				frame.Duration.Round(time.Microsecond), distance)
		}
	}
}
