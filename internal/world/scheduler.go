package world

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/go-gl/mathgl/mgl32"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instance упакованная запись отрисовки одного чанка
type Instance struct {
	Coords    vec.Vec2
	Transform mgl32.Mat4
	Handle    compute.ResidencyHandle
	LOD       LOD
	// Fallback — уровень LOD не тот, что требуется по расстоянию:
	// нужный не удалось сгенерировать и подставлен ближайший имеющийся
	Fallback bool
}

type chunkTier struct {
	coords vec.Vec2
	lod    LOD
}

// Scheduler упорядочивает чанки по расстоянию до точки обзора, выбирает им уровни
// детализации, лениво генерирует недостающие уровни и выдаёт список экземпляров.
// Выполняется синхронно в потоке кадра.
type Scheduler struct {
	ctx       *Context
	store     *ChunkStore
	generator *Generator

	requested map[vec.Vec2]struct{} // координаты, запрошенные, но ещё не попавшие в хранилище
	failed    map[chunkTier]struct{}
}

// NewScheduler создаёт планировщик
func NewScheduler(c *Context, store *ChunkStore, generator *Generator) *Scheduler {
	return &Scheduler{
		ctx:       c,
		store:     store,
		generator: generator,
		requested: make(map[vec.Vec2]struct{}),
		failed:    make(map[chunkTier]struct{}),
	}
}

// Request явно запрашивает чанк: он будет создан ближайшим Resort,
// а прошлые неудачи генерации его уровней забываются
func (s *Scheduler) Request(coords vec.Vec2) {
	for tier := range s.failed {
		if tier.coords == coords {
			delete(s.failed, tier)
		}
	}
	if s.store.Get(coords) == nil {
		s.requested[coords] = struct{}{}
	}
}

// Pending количество запрошенных, но ещё не созданных чанков
func (s *Scheduler) Pending() int {
	return len(s.requested)
}

// Resort сортирует известные чанки по квадрату евклидова расстояния (в единицах сетки)
// до origin, при равенстве — по (x, y). Уровень выбирается по манхэттенскому расстоянию
// каждый вызов заново. Ошибки генерации не прерывают проход: они объединяются и
// возвращаются вместе со списком, а чанк без единого уровня в список не попадает.
func (s *Scheduler) Resort(ctx context.Context, origin vec.Vec2) ([]Instance, error) {
	ctx, span := s.ctx.Tracer.Start(ctx, "world.Resort", trace.WithAttributes(
		attribute.Int("origin.x", origin.X),
		attribute.Int("origin.y", origin.Y),
	))
	defer span.End()
	start := time.Now()

	coords := s.candidates()
	slices.SortFunc(coords, func(a, b vec.Vec2) int {
		da, db := a.DistanceSq(origin), b.DistanceSq(origin)
		switch {
		case da != db:
			return da - db
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})

	var errs []error
	instances := make([]Instance, 0, len(coords))
	for _, c := range coords {
		want := clampLOD(SelectLOD(c, origin), s.ctx.Config.LODCount)
		chunk, err := s.ensure(ctx, c, want)
		if err != nil {
			errs = append(errs, err)
		}
		if chunk == nil {
			continue
		}

		lod, ok := chunk.LODs().Nearest(want)
		if !ok {
			continue
		}
		instances = append(instances, Instance{
			Coords:    c,
			Transform: chunk.Transform(s.ctx.Config.VoxelScale, lod),
			Handle:    chunk.Handle(),
			LOD:       lod,
			Fallback:  lod != want,
		})
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failures")
	}
	span.SetAttributes(attribute.Int("instances", len(instances)))
	s.ctx.Metrics.observeResort(time.Since(start), len(instances))
	return instances, err
}

// ensure генерирует требуемый уровень, если он ещё не сгенерирован и не падал с прошлого запроса
func (s *Scheduler) ensure(ctx context.Context, coords vec.Vec2, lod LOD) (*Chunk, error) {
	chunk := s.store.Get(coords)
	if chunk != nil && chunk.HasLOD(lod) {
		return chunk, nil
	}
	if _, failed := s.failed[chunkTier{coords, lod}]; failed {
		return chunk, nil
	}

	generated, err := s.generator.Generate(ctx, coords, lod)
	delete(s.requested, coords)
	if err != nil {
		s.failed[chunkTier{coords, lod}] = struct{}{}
		return chunk, err
	}
	return generated, nil
}

func (s *Scheduler) candidates() []vec.Vec2 {
	chunks := s.store.Chunks()
	out := make([]vec.Vec2, 0, len(chunks)+len(s.requested))
	for _, c := range chunks {
		out = append(out, c.Coords)
		delete(s.requested, c.Coords)
	}
	for c := range s.requested {
		out = append(out, c)
	}
	return out
}
