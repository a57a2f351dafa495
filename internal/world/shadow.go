package world

import (
	"context"
	"fmt"
	"time"

	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/annel0/voxel-terrain/internal/voxel"
	"github.com/go-gl/mathgl/mgl32"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// composeParams параметры ядра сборки теневого объёма.
// Handles и Mips индексируются слотом окрестности z*N + x; нулевой дескриптор — пустой слот.
type composeParams struct {
	N        int
	SlotDims vec.Vec3
	Handles  []compute.ResidencyHandle
	Mips     []int
	Valid    int
}

// shadowComposeKernel пишет каждую ячейку базового мипа теневого объёма.
// Ячейки пустых слотов получают 0; заполненные слоты читают самый подробный
// сгенерированный мип чанка, агрегируя занятость или повторяя ячейки под разрешение слота.
func shadowComposeKernel(inv *compute.Invocation) {
	p := inv.Params().(composeParams)
	dst := inv.Image(0)
	dims := dst.Dims()

	inv.ForEachThread(func(gid vec.Vec3) {
		if !dims.Contains(gid) {
			return
		}
		sx, sz := gid.X/p.SlotDims.X, gid.Z/p.SlotDims.Z
		slot := sz*p.N + sx

		var material uint8
		if p.Valid > 0 && slot < len(p.Handles) && p.Handles[slot] != 0 {
			if src := inv.Resident(p.Handles[slot]).Mip(p.Mips[slot]); src != nil {
				local := vec.Vec3{X: gid.X - sx*p.SlotDims.X, Y: gid.Y, Z: gid.Z - sz*p.SlotDims.Z}
				material = voxel.MaxInSpan(src, local, p.SlotDims)
			}
		}
		dst.Store(gid, material)
	})
}

// ShadowAssembler собирает окрестность NxN чанков вокруг фокуса в общий теневой объём
// пониженного разрешения и строит для него пирамиду окклюзии.
type ShadowAssembler struct {
	ctx     *Context
	store   *ChunkStore
	pyramid *voxel.MipPyramid
	volume  *voxel.Volume

	slotDims vec.Vec3
	focus    vec.Vec2
	built    bool
	present  int
	seen     map[vec.Vec2]LODMask // маски уровней соседей на момент последней сборки
}

// NewShadowAssembler выделяет теневой объём размером N*(W>>s) x (H>>s) x N*(W>>s),
// где s — ShadowSourceMip
func NewShadowAssembler(c *Context, store *ChunkStore) (*ShadowAssembler, error) {
	cfg := c.Config
	n := cfg.ShadowNeighborhood
	slot := vec.Vec3{X: cfg.ChunkWidth, Y: cfg.ChunkHeight, Z: cfg.ChunkWidth}.Shr(cfg.ShadowSourceMip)

	volume, err := voxel.NewVolumeDesc(c.Device, compute.VolumeDesc{
		Dims:       vec.Vec3{X: n * slot.X, Y: slot.Y, Z: n * slot.Z},
		Mips:       cfg.ShadowMips,
		KeepHeight: !cfg.ShadowCompressHeight,
	})
	if err != nil {
		return nil, fmt.Errorf("shadow volume: %w", err)
	}

	return &ShadowAssembler{
		ctx:      c,
		store:    store,
		pyramid:  voxel.NewMipPyramid(c.Device),
		volume:   volume,
		slotDims: slot,
		seen:     make(map[vec.Vec2]LODMask),
	}, nil
}

// Volume общий теневой объём
func (a *ShadowAssembler) Volume() *voxel.Volume {
	return a.volume
}

// Focus фокус последней сборки; false, если сборок ещё не было
func (a *ShadowAssembler) Focus() (vec.Vec2, bool) {
	return a.focus, a.built
}

// Present количество заполненных слотов при последней сборке
func (a *ShadowAssembler) Present() int {
	return a.present
}

// Neighborhood координаты слотов окрестности в порядке z*N + x
func (a *ShadowAssembler) Neighborhood(focus vec.Vec2) []vec.Vec2 {
	n := a.ctx.Config.ShadowNeighborhood
	r := n / 2
	out := make([]vec.Vec2, 0, n*n)
	for dz := -r; dz <= r; dz++ {
		for dx := -r; dx <= r; dx++ {
			out = append(out, focus.Add(vec.Vec2{X: dx, Y: dz}))
		}
	}
	return out
}

// Center мировая позиция центра теневого объёма для фокуса
func (a *ShadowAssembler) Center(focus vec.Vec2) mgl32.Vec3 {
	size := a.ctx.ChunkWorldSize()
	origin := a.ctx.ChunkOrigin(focus)
	height := float32(a.ctx.Config.ChunkHeight) * a.ctx.Config.VoxelScale
	return mgl32.Vec3{origin.X() + size/2, height / 2, origin.Z() + size/2}
}

// CellScale мировой размер ячейки базового мипа теневого объёма
func (a *ShadowAssembler) CellScale() float32 {
	return a.ctx.Config.VoxelScale * float32(int(1)<<a.ctx.Config.ShadowSourceMip)
}

// Stale сообщает, что сборку нужно повторить: фокус сменился или у соседа появился новый уровень
func (a *ShadowAssembler) Stale(focus vec.Vec2) bool {
	if !a.built || a.focus != focus {
		return true
	}
	for _, coords := range a.Neighborhood(focus) {
		var mask LODMask
		if c := a.store.Get(coords); c != nil {
			mask = c.LODs()
		}
		if mask != a.seen[coords] {
			return true
		}
	}
	return false
}

// Rebuild полностью перезаписывает теневой объём окрестностью focus.
// Отсутствующие в хранилище соседи пропускаются, их область остаётся пустой.
func (a *ShadowAssembler) Rebuild(ctx context.Context, focus vec.Vec2) error {
	ctx, span := a.ctx.Tracer.Start(ctx, "world.ShadowRebuild")
	defer span.End()

	start := time.Now()
	cfg := a.ctx.Config
	coords := a.Neighborhood(focus)

	params := composeParams{
		N:        cfg.ShadowNeighborhood,
		SlotDims: a.slotDims,
		Handles:  make([]compute.ResidencyHandle, len(coords)),
		Mips:     make([]int, len(coords)),
	}
	handles := make([]compute.ResidencyHandle, 0, len(coords))
	seen := make(map[vec.Vec2]LODMask, len(coords))

	for i, c := range coords {
		chunk := a.store.Get(c)
		if chunk == nil || !chunk.Resident() {
			continue
		}
		mask := chunk.LODs()
		finest, ok := mask.Finest()
		h := chunk.Handle()
		if !ok || h == 0 {
			continue
		}
		params.Handles[i] = h
		params.Mips[i] = int(finest)
		params.Valid++
		handles = append(handles, h)
		seen[c] = mask
	}

	dev := a.ctx.Device
	groups := compute.GroupsFor(a.volume.Dims(), dev.WorkgroupSize())
	err := dev.Dispatch(KernelShadowCompose, groups, compute.Bindings{
		Images:  []compute.ImageBinding{a.volume.MipTarget(0, 0)},
		Handles: handles,
		Params:  params,
	})
	if err == nil {
		err = dev.Barrier(compute.BarrierImageAccess | compute.BarrierTextureFetch)
	}
	if err == nil {
		err = a.pyramid.Build(a.volume, cfg.ShadowMips)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "shadow rebuild failed")
		a.built = false
		return fmt.Errorf("rebuild shadow volume around (%d,%d): %w", focus.X, focus.Y, err)
	}

	a.focus = focus
	a.built = true
	a.present = params.Valid
	a.seen = seen

	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int("shadow.present", params.Valid))
	a.ctx.Metrics.observeShadow(params.Valid)
	a.ctx.Log.Debug("🌑 Теневой объём собран вокруг (%d,%d): %d/%d соседей за %s",
		focus.X, focus.Y, params.Valid, len(coords), elapsed)
	a.ctx.publish(ctx, EventShadowRebuilt, 3, ShadowRebuiltEvent{
		FocusX: focus.X, FocusY: focus.Y,
		Slots: len(coords), Present: params.Valid,
		Millis: float64(elapsed.Microseconds()) / 1000,
	})
	return nil
}

// Destroy освобождает теневой объём
func (a *ShadowAssembler) Destroy() error {
	return a.volume.Destroy()
}
