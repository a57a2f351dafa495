package world

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/annel0/voxel-terrain/internal/voxel"
	"github.com/go-gl/mathgl/mgl32"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Frame результат одного кадра планирования
type Frame struct {
	Number        uint64
	Camera        mgl32.Vec3
	Focus         vec.Vec2
	Instances     []Instance
	ShadowRebuilt bool
	Err           error // объединённые ошибки кадра; остальные чанки всё равно спланированы
	Duration      time.Duration
}

// PickResult попадание луча в мир, найденное по теневому объёму
type PickResult struct {
	voxel.TracedRay
	Chunk vec.Vec2 // чанк, содержащий точку попадания
}

// ChunkInfo снимок состояния чанка для инспекции
type ChunkInfo struct {
	Coords   vec.Vec2
	Origin   mgl32.Vec3
	LODs     []LOD
	Resident bool
	Handle   compute.ResidencyHandle
	Material int
	Dims     vec.Vec3
}

// World связывает хранилище, генератор, планировщик и сборщик теней в цикл кадра:
// запрос окрестности обзора, пересортировка и пересборка теневого объёма при смене фокуса.
type World struct {
	ctx       *Context
	store     *ChunkStore
	generator *Generator
	scheduler *Scheduler
	shadow    *ShadowAssembler

	mu        sync.RWMutex
	frames    uint64
	focus     vec.Vec2
	hasFocus  bool
	lastFrame Frame
}

// New создаёт мир. Ядра должны быть зарегистрированы на устройстве через RegisterKernels.
func New(c *Context) (*World, error) {
	store := NewChunkStore()
	generator := NewGenerator(c, store)
	shadow, err := NewShadowAssembler(c, store)
	if err != nil {
		return nil, err
	}

	return &World{
		ctx:       c,
		store:     store,
		generator: generator,
		scheduler: NewScheduler(c, store, generator),
		shadow:    shadow,
	}, nil
}

// Store хранилище чанков
func (w *World) Store() *ChunkStore {
	return w.store
}

// Scheduler планировщик
func (w *World) Scheduler() *Scheduler {
	return w.scheduler
}

// Shadow сборщик теневого объёма
func (w *World) Shadow() *ShadowAssembler {
	return w.shadow
}

// Palette палитра материалов мира
func (w *World) Palette() *voxel.Palette {
	return w.ctx.Palette
}

// Update выполняет один кадр для позиции камеры. При смене фокусного чанка запрашивает
// квадратную окрестность радиуса ViewRadius, затем пересортировывает чанки и при
// необходимости пересобирает теневой объём.
func (w *World) Update(ctx context.Context, camera mgl32.Vec3) Frame {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	focus := w.ctx.ChunkAt(camera)
	w.frames++

	ctx, span := w.ctx.Tracer.Start(ctx, "world.Update", trace.WithAttributes(
		attribute.Int64("frame", int64(w.frames)),
		attribute.Int("focus.x", focus.X),
		attribute.Int("focus.y", focus.Y),
	))
	defer span.End()

	if !w.hasFocus || focus != w.focus {
		r := w.ctx.Config.ViewRadius
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				w.scheduler.Request(focus.Add(vec.Vec2{X: dx, Y: dy}))
			}
		}
		if w.hasFocus {
			w.ctx.Log.Info("🎯 Фокус сменился: (%d,%d) → (%d,%d)", w.focus.X, w.focus.Y, focus.X, focus.Y)
		}
		w.focus, w.hasFocus = focus, true
	}

	instances, resortErr := w.scheduler.Resort(ctx, focus)
	frame := Frame{
		Number:    w.frames,
		Camera:    camera,
		Focus:     focus,
		Instances: instances,
	}

	var shadowErr error
	if w.shadow.Stale(focus) {
		if shadowErr = w.shadow.Rebuild(ctx, focus); shadowErr == nil {
			frame.ShadowRebuilt = true
		}
	}

	frame.Err = errors.Join(resortErr, shadowErr)
	frame.Duration = time.Since(start)
	w.lastFrame = frame
	return frame
}

// Stats сводка состояния мира
type Stats struct {
	Chunks        int
	Pending       int
	ShadowPresent int
	Frames        uint64
}

// Stats снимает сводку; безопасно вызывать параллельно с Update
func (w *World) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Stats{
		Chunks:        w.store.Len(),
		Pending:       w.scheduler.Pending(),
		ShadowPresent: w.shadow.Present(),
		Frames:        w.frames,
	}
}

// LastFrame последний выполненный кадр
func (w *World) LastFrame() Frame {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastFrame
}

// Pick трассирует луч через базовый мип теневого объёма вокруг текущего фокуса
func (w *World) Pick(origin, direction mgl32.Vec3, maxDistance float32) (PickResult, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	focus, ok := w.shadow.Focus()
	if !ok {
		return PickResult{}, fmt.Errorf("shadow volume is not built yet")
	}

	rm := voxel.RayMarcher{
		Volume:     w.shadow.Volume(),
		VoxelScale: w.shadow.CellScale(),
		Center:     w.shadow.Center(focus),
	}
	ray := rm.Trace(origin, direction, maxDistance)
	result := PickResult{TracedRay: ray}
	if ray.Hit {
		result.Chunk = w.ctx.ChunkAt(ray.HitPoint)
	}
	return result, nil
}

// Chunk снимок состояния чанка
func (w *World) Chunk(coords vec.Vec2) (ChunkInfo, bool) {
	c := w.store.Get(coords)
	if c == nil {
		return ChunkInfo{}, false
	}
	return ChunkInfo{
		Coords:   c.Coords,
		Origin:   c.Origin,
		LODs:     c.LODs().Levels(),
		Resident: c.Resident(),
		Handle:   c.Handle(),
		Material: c.Material,
		Dims:     c.Volume().Dims(),
	}, true
}

// ChunkCoords отсортированный список координат всех чанков
func (w *World) ChunkCoords() []vec.Vec2 {
	chunks := w.store.Chunks()
	out := make([]vec.Vec2, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Coords)
	}
	slices.SortFunc(out, func(a, b vec.Vec2) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return out
}

// Close освобождает объёмы всех чанков и теневой объём.
// Вызывается после последнего кадра.
func (w *World) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for _, c := range w.store.Chunks() {
		w.store.Remove(c.Coords)
		if err := c.Volume().Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("chunk (%d,%d): %w", c.Coords.X, c.Coords.Y, err))
		}
	}
	if err := w.shadow.Destroy(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
