package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/middleware"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/annel0/voxel-terrain/internal/world"
	"github.com/gin-gonic/gin"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// DeviceStatsFunc источник статистики вычислительного устройства
type DeviceStatsFunc func() compute.DeviceStats

// Config содержит конфигурацию отладочного сервера
type Config struct {
	Addr        string                // адрес для запуска сервера
	World       *world.World          // инспектируемый мир
	Registerer  prometheus.Registerer // куда регистрировать HTTP-метрики (nil — не регистрировать)
	Gatherer    prometheus.Gatherer   // источник для /metrics (nil — маршрут не создаётся)
	DeviceStats DeviceStatsFunc       // nil — без статистики устройства
	ServiceName string                // имя сервиса для otelgin
}

// RestServer отладочный HTTP-инспектор работающего мира. Только чтение:
// последний кадр, чанки, трассировка луча и состояние процесса.
type RestServer struct {
	router  *gin.Engine
	server  *http.Server
	world   *world.World
	metrics *ProcessMetrics
	device  DeviceStatsFunc
	log     *logging.Logger
}

// NewRestServer создает отладочный сервер
func NewRestServer(config Config) *RestServer {
	if config.Addr == "" {
		config.Addr = ":8081"
	}
	if config.ServiceName == "" {
		config.ServiceName = "voxel_debug_api"
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	// otelgin первым, чтобы логгер увидел trace-id спана
	router.Use(otelgin.Middleware(config.ServiceName))
	router.Use(middleware.NewRequestLogger().Handler())
	router.Use(middleware.NewPrometheusMiddleware("voxel", config.Registerer).Handler())

	rs := &RestServer{
		router:  router,
		world:   config.World,
		metrics: NewProcessMetrics(),
		device:  config.DeviceStats,
		log:     logging.GetAPILogger(),
	}
	rs.server = &http.Server{
		Addr:              config.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	rs.setupRoutes(config.Gatherer)
	return rs
}

func (rs *RestServer) setupRoutes(gatherer prometheus.Gatherer) {
	rs.router.GET("/health", rs.handleHealth)
	if gatherer != nil {
		rs.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := rs.router.Group("/api")
	{
		api.GET("/frame", rs.handleFrame)
		api.GET("/chunks", rs.handleChunks)
		api.GET("/chunks/:x/:y", rs.handleChunk)
		api.POST("/trace", rs.handleTrace)
		api.GET("/stats", rs.handleStats)
	}
}

// Handler корневой обработчик (для тестов и встраивания)
func (rs *RestServer) Handler() http.Handler {
	return rs.router
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// InstanceDTO экземпляр отрисовки в ответе /api/frame
type InstanceDTO struct {
	X         int         `json:"x"`
	Y         int         `json:"y"`
	LOD       int         `json:"lod"`
	Handle    uint64      `json:"handle"`
	Fallback  bool        `json:"fallback,omitempty"`
	Transform [16]float32 `json:"transform"`
}

// FrameDTO последний кадр
type FrameDTO struct {
	Number        uint64        `json:"number"`
	Camera        [3]float32    `json:"camera"`
	Focus         [2]int        `json:"focus"`
	ShadowRebuilt bool          `json:"shadow_rebuilt"`
	DurationMs    float64       `json:"duration_ms"`
	Error         string        `json:"error,omitempty"`
	Instances     []InstanceDTO `json:"instances"`
}

// ChunkDTO метаданные чанка
type ChunkDTO struct {
	X        int        `json:"x"`
	Y        int        `json:"y"`
	Origin   [3]float32 `json:"origin"`
	LODs     []int      `json:"lods"`
	Resident bool       `json:"resident"`
	Handle   uint64     `json:"handle"`
	Material int        `json:"material_row"`
	Dims     [3]int     `json:"dims"`
}

// TraceRequest запрос трассировки луча
type TraceRequest struct {
	Origin      [3]float32 `json:"origin"`
	Direction   [3]float32 `json:"direction"`
	MaxDistance float32    `json:"max_distance" binding:"required,gt=0"`
}

// TraceResponse результат трассировки
type TraceResponse struct {
	Hit      bool       `json:"hit"`
	T        float32    `json:"t"`
	HitPoint [3]float32 `json:"hit_point"`
	Sample   uint8      `json:"sample"`
	Cell     [3]int     `json:"cell"`
	Chunk    [2]int     `json:"chunk"`
	Color    string     `json:"color,omitempty"`
}

func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// handleFrame возвращает список экземпляров последнего кадра
func (rs *RestServer) handleFrame(c *gin.Context) {
	frame := rs.world.LastFrame()

	dto := FrameDTO{
		Number:        frame.Number,
		Camera:        frame.Camera,
		Focus:         [2]int{frame.Focus.X, frame.Focus.Y},
		ShadowRebuilt: frame.ShadowRebuilt,
		DurationMs:    float64(frame.Duration.Microseconds()) / 1000,
		Instances:     make([]InstanceDTO, 0, len(frame.Instances)),
	}
	if frame.Err != nil {
		dto.Error = frame.Err.Error()
	}
	for _, in := range frame.Instances {
		dto.Instances = append(dto.Instances, InstanceDTO{
			X:         in.Coords.X,
			Y:         in.Coords.Y,
			LOD:       int(in.LOD),
			Handle:    uint64(in.Handle),
			Fallback:  in.Fallback,
			Transform: in.Transform,
		})
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Последний кадр",
		Data:    dto,
	})
}

// handleChunks возвращает координаты всех чанков хранилища
func (rs *RestServer) handleChunks(c *gin.Context) {
	coords := rs.world.ChunkCoords()
	out := make([][2]int, 0, len(coords))
	for _, cc := range coords {
		out = append(out, [2]int{cc.X, cc.Y})
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Список чанков",
		Data: map[string]interface{}{
			"chunks": out,
			"total":  len(out),
		},
	})
}

// handleChunk возвращает метаданные одного чанка
func (rs *RestServer) handleChunk(c *gin.Context) {
	x, errX := strconv.Atoi(c.Param("x"))
	y, errY := strconv.Atoi(c.Param("y"))
	if errX != nil || errY != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: "Неверные координаты чанка",
		})
		return
	}

	info, ok := rs.world.Chunk(vec.Vec2{X: x, Y: y})
	if !ok {
		c.JSON(http.StatusNotFound, GenericResponse{
			Success: false,
			Message: "Чанк не найден",
		})
		return
	}

	lods := make([]int, 0, len(info.LODs))
	for _, l := range info.LODs {
		lods = append(lods, int(l))
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Чанк найден",
		Data: ChunkDTO{
			X:        info.Coords.X,
			Y:        info.Coords.Y,
			Origin:   info.Origin,
			LODs:     lods,
			Resident: info.Resident,
			Handle:   uint64(info.Handle),
			Material: info.Material,
			Dims:     [3]int{info.Dims.X, info.Dims.Y, info.Dims.Z},
		},
	})
}

// handleTrace трассирует луч через теневой объём
func (rs *RestServer) handleTrace(c *gin.Context) {
	var req TraceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: "Неверный формат запроса: " + err.Error(),
		})
		return
	}

	res, err := rs.world.Pick(mgl32.Vec3(req.Origin), mgl32.Vec3(req.Direction), req.MaxDistance)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, GenericResponse{
			Success: false,
			Message: err.Error(),
		})
		return
	}

	out := TraceResponse{
		Hit:      res.Hit,
		T:        res.T,
		HitPoint: res.HitPoint,
		Sample:   res.Sample,
		Cell:     [3]int{res.Cell.X, res.Cell.Y, res.Cell.Z},
		Chunk:    [2]int{res.Chunk.X, res.Chunk.Y},
	}
	if res.Hit {
		row := 0
		if info, ok := rs.world.Chunk(res.Chunk); ok {
			row = info.Material
		}
		out.Color = rs.world.Palette().Color(row, res.Sample).String()
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Трассировка выполнена",
		Data:    out,
	})
}

// handleStats возвращает состояние процесса, устройства и мира
func (rs *RestServer) handleStats(c *gin.Context) {
	stats := make(map[string]interface{})

	cpuPercent, err := rs.metrics.CPUPercent()
	if err != nil {
		rs.log.Debug("cpu percent: %v", err)
	}
	rssMB, err := rs.metrics.RSSMegabytes()
	if err != nil {
		rs.log.Debug("rss: %v", err)
	}
	stats["process"] = map[string]interface{}{
		"uptime":      rs.metrics.Uptime(),
		"cpu_percent": fmt.Sprintf("%.2f", cpuPercent),
		"rss_mb":      fmt.Sprintf("%.2f", rssMB),
		"server_time": time.Now().Unix(),
	}
	stats["memory_details"] = rs.metrics.MemoryDetails()

	if rs.device != nil {
		ds := rs.device()
		stats["device"] = map[string]interface{}{
			"textures":  ds.Textures,
			"resident":  ds.Resident,
			"bytes":     ds.Bytes,
			"in_flight": ds.InFlight,
		}
	}

	frame := rs.world.LastFrame()
	ws := rs.world.Stats()
	stats["world"] = map[string]interface{}{
		"chunks":         ws.Chunks,
		"pending":        ws.Pending,
		"frame":          frame.Number,
		"instances":      len(frame.Instances),
		"shadow_present": ws.ShadowPresent,
		"last_frame_ms":  float64(frame.Duration.Microseconds()) / 1000,
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Статистика получена",
		Data:    stats,
	})
}

// Start запускает сервер; блокируется до Stop
func (rs *RestServer) Start() error {
	rs.log.Info("🔍 Отладочный API слушает %s", rs.server.Addr)
	if err := rs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop корректно останавливает сервер
func (rs *RestServer) Stop(ctx context.Context) error {
	return rs.server.Shutdown(ctx)
}
