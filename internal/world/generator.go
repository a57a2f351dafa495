package world

import (
	"context"
	"fmt"
	"time"

	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/annel0/voxel-terrain/internal/voxel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Generator заполняет объёмы чанков процедурным ядром на устройстве
type Generator struct {
	ctx   *Context
	store *ChunkStore
}

// NewGenerator создаёт генератор поверх хранилища
func NewGenerator(c *Context, store *ChunkStore) *Generator {
	return &Generator{ctx: c, store: store}
}

// Generate гарантирует, что уровень lod чанка coords сгенерирован.
// Если бит уровня уже выставлен, ничего не отправляет на устройство.
// Новый чанк получает объём на уровень 0 с мипом под каждый уровень и резидентность;
// при неудаче первой генерации чанк не остаётся в хранилище.
func (g *Generator) Generate(ctx context.Context, coords vec.Vec2, lod LOD) (*Chunk, error) {
	cfg := g.ctx.Config
	if int(lod) >= cfg.LODCount {
		return nil, &GenerationError{Coords: coords, LOD: lod,
			Err: fmt.Errorf("%w: lod %d of %d", voxel.ErrOutOfRange, lod, cfg.LODCount)}
	}

	if c := g.store.Get(coords); c != nil && c.HasLOD(lod) {
		return c, nil
	}

	ctx, span := g.ctx.Tracer.Start(ctx, "world.Generate", trace.WithAttributes(
		attribute.Int("chunk.x", coords.X),
		attribute.Int("chunk.y", coords.Y),
		attribute.Int("chunk.lod", int(lod)),
	))
	defer span.End()

	start := time.Now()
	chunk, created, err := g.store.GetOrCreate(coords, func() (*Chunk, error) {
		return g.allocate(coords)
	})
	if err != nil {
		return nil, g.fail(ctx, span, coords, lod, err)
	}
	if chunk.HasLOD(lod) {
		return chunk, nil
	}

	if err := g.fill(chunk, lod); err != nil {
		if created {
			g.discard(chunk)
		}
		return nil, g.fail(ctx, span, coords, lod, err)
	}

	chunk.markGenerated(lod)
	elapsed := time.Since(start)
	dims := chunk.Volume().MipDims(int(lod))

	g.ctx.Metrics.observeGenerated(lod, elapsed, g.store.Len())
	g.ctx.Log.Debug("Chunk generated: chunk(%d,%d) lod=%d dims=%dx%dx%d за %s",
		coords.X, coords.Y, lod, dims.X, dims.Y, dims.Z, elapsed)
	g.ctx.publish(ctx, EventChunkGenerated, 3, ChunkGeneratedEvent{
		X: coords.X, Y: coords.Y, LOD: int(lod),
		Dims:     [3]int{dims.X, dims.Y, dims.Z},
		Millis:   float64(elapsed.Microseconds()) / 1000,
		Created:  created,
		Resident: uint64(chunk.Handle()),
	})
	return chunk, nil
}

// allocate создаёт объём и резидентность нового чанка
func (g *Generator) allocate(coords vec.Vec2) (*Chunk, error) {
	cfg := g.ctx.Config
	volume, err := voxel.NewVolume(g.ctx.Device, cfg.ChunkWidth, cfg.ChunkHeight, cfg.ChunkWidth, cfg.LODCount)
	if err != nil {
		return nil, err
	}
	if _, err := volume.MakeResident(); err != nil {
		_ = volume.Destroy()
		return nil, err
	}
	return newChunk(coords, g.ctx.ChunkOrigin(coords), volume, voxel.RowDefault), nil
}

// fill отправляет ядро заполнения в мип уровня и ставит барьер,
// чтобы последующие чтения видели запись
func (g *Generator) fill(chunk *Chunk, lod LOD) error {
	dev := g.ctx.Device
	volume := chunk.Volume()
	groups := compute.GroupsFor(volume.MipDims(int(lod)), dev.WorkgroupSize())

	err := dev.Dispatch(KernelTerrainFill, groups, compute.Bindings{
		Images: []compute.ImageBinding{volume.MipTarget(0, int(lod))},
		Params: terrainParams{
			Origin:     chunk.Origin,
			LOD:        lod,
			VoxelScale: g.ctx.Config.VoxelScale,
			Height:     g.ctx.Config.ChunkHeight,
			Heights:    g.ctx.Heights,
		},
	})
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", KernelTerrainFill, err)
	}
	if err := dev.Barrier(compute.BarrierImageAccess | compute.BarrierTextureFetch); err != nil {
		return fmt.Errorf("barrier after %s: %w", KernelTerrainFill, err)
	}
	return nil
}

// discard убирает из хранилища чанк, первая генерация которого не удалась
func (g *Generator) discard(chunk *Chunk) {
	g.store.Remove(chunk.Coords)
	if err := chunk.Volume().Destroy(); err != nil {
		g.ctx.Log.Warn("Не удалось освободить объём чанка (%d,%d): %v", chunk.Coords.X, chunk.Coords.Y, err)
	}
}

func (g *Generator) fail(ctx context.Context, span trace.Span, coords vec.Vec2, lod LOD, err error) error {
	gerr := &GenerationError{Coords: coords, LOD: lod, Err: err}
	span.RecordError(gerr)
	span.SetStatus(codes.Error, "generation failed")

	g.ctx.Metrics.observeFailure(lod)
	g.ctx.Log.Warn("❌ %v", gerr)
	g.ctx.publish(ctx, EventChunkFailed, 7, ChunkFailedEvent{
		X: coords.X, Y: coords.Y, LOD: int(lod), Error: err.Error(),
	})
	return gerr
}
