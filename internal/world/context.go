package world

import (
	"context"
	"math"

	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/config"
	"github.com/annel0/voxel-terrain/internal/eventbus"
	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/util"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/annel0/voxel-terrain/internal/voxel"
	"github.com/go-gl/mathgl/mgl32"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerName имя трассировщика компонентов мира
const TracerName = "voxel-terrain/world"

// Context общие ресурсы ядра мира: устройство, параметры, палитра, поле высот,
// метрики, шина событий и трассировка. Передаётся каждому компоненту явно.
type Context struct {
	Device  compute.Device
	Config  config.WorldConfig
	Palette *voxel.Palette
	Heights *util.HeightField

	Metrics *Metrics          // nil — без метрик
	Bus     eventbus.EventBus // nil — события не публикуются
	Log     *logging.Logger   // nil — без логов
	Tracer  trace.Tracer
}

// NewContext проверяет параметры мира и создаёт контекст с палитрой и полем высот по умолчанию
func NewContext(dev compute.Device, cfg config.WorldConfig) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Context{
		Device:  dev,
		Config:  cfg,
		Palette: voxel.NewPalette(),
		Heights: util.NewHeightField(cfg.Seed, cfg.Noise.Alpha, cfg.Noise.Beta, cfg.Noise.Octaves, cfg.Noise.Scale),
		Log:     logging.GetWorldLogger(),
		Tracer:  otel.Tracer(TracerName),
	}, nil
}

// ChunkWorldSize ширина чанка в мировых единицах
func (c *Context) ChunkWorldSize() float32 {
	return float32(c.Config.ChunkWidth) * c.Config.VoxelScale
}

// ChunkOrigin мировая позиция угла чанка; координата Y сетки соответствует мировой оси Z
func (c *Context) ChunkOrigin(coords vec.Vec2) mgl32.Vec3 {
	size := c.ChunkWorldSize()
	return mgl32.Vec3{float32(coords.X) * size, 0, float32(coords.Y) * size}
}

// ChunkAt координаты чанка, содержащего мировую точку
func (c *Context) ChunkAt(pos mgl32.Vec3) vec.Vec2 {
	size := c.ChunkWorldSize()
	return vec.Vec2{X: floorDiv(pos.X(), size), Y: floorDiv(pos.Z(), size)}
}

func (c *Context) publish(ctx context.Context, eventType string, priority int, payload any) {
	if c.Bus == nil {
		return
	}
	ev, err := eventbus.NewEnvelope(EventSource, eventType, priority, payload)
	if err == nil {
		err = c.Bus.Publish(ctx, ev)
	}
	if err != nil {
		c.Log.Warn("Не удалось опубликовать %s: %v", eventType, err)
	}
}

func floorDiv(v, size float32) int {
	return int(math.Floor(float64(v / size)))
}
