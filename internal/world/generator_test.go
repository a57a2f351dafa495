package world

import (
	"context"
	"errors"
	"testing"

	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/config"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/annel0/voxel-terrain/internal/voxel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIsIdempotent(t *testing.T) {
	f := newFixture(t, compute.Options{})
	ctx := context.Background()
	coords := vec.Vec2{X: 2, Y: -1}

	chunk, err := f.gen.Generate(ctx, coords, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, f.dev.count(KernelTerrainFill))
	before := f.download(t, chunk.Volume().Texture(), 0)

	again, err := f.gen.Generate(ctx, coords, 0)
	require.NoError(t, err)
	assert.Same(t, chunk, again)
	assert.Equal(t, 1, f.dev.count(KernelTerrainFill), "повторная генерация не должна отправлять ядро")
	assert.Equal(t, before, f.download(t, chunk.Volume().Texture(), 0))
	assert.Equal(t, []LOD{0}, chunk.LODs().Levels(), "бит уровня выставлен ровно один раз")
}

func TestGenerateAllocatesFinestVolumeOnce(t *testing.T) {
	f := newFixture(t, compute.Options{})
	ctx := context.Background()
	coords := vec.Vec2{X: 1, Y: 1}

	chunk, err := f.gen.Generate(ctx, coords, 2)
	require.NoError(t, err)
	assert.Equal(t, vec.Vec3{X: 8, Y: 4, Z: 8}, chunk.Volume().Dims(), "объём рассчитан на самый подробный уровень")
	assert.Equal(t, 3, chunk.Volume().Mips())
	assert.True(t, chunk.Resident())
	assert.NotZero(t, chunk.Handle())

	_, err = f.gen.Generate(ctx, coords, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sw.Stats().Textures, "новый уровень пишется в мип того же объёма")
	assert.Equal(t, []LOD{1, 2}, chunk.LODs().Levels())
	assert.Equal(t, 1, f.store.Len())
}

func TestGenerateFillsFlatTerrain(t *testing.T) {
	f := newFixture(t, compute.Options{})
	chunk, err := f.gen.Generate(context.Background(), vec.Vec2{}, 0)
	require.NoError(t, err)

	dims := chunk.Volume().Dims()
	data := f.download(t, chunk.Volume().Texture(), 0)
	// поверхность на высоте 2: слои 0 и 1 заполнены материалами 1 и 2
	for _, c := range []vec.Vec3{{X: 0, Z: 0}, {X: 7, Z: 3}, {X: 4, Z: 7}} {
		assert.Equal(t, byte(1), at(data, dims, vec.Vec3{X: c.X, Y: 0, Z: c.Z}))
		assert.Equal(t, byte(2), at(data, dims, vec.Vec3{X: c.X, Y: 1, Z: c.Z}))
		assert.Equal(t, byte(0), at(data, dims, vec.Vec3{X: c.X, Y: 2, Z: c.Z}))
		assert.Equal(t, byte(0), at(data, dims, vec.Vec3{X: c.X, Y: 3, Z: c.Z}))
	}

	assert.Equal(t, uint8(2), chunk.Volume().Sample(vec.Vec3{X: 3, Y: 1, Z: 3}))
	assert.Equal(t, voxel.Empty, chunk.Volume().Sample(vec.Vec3{X: 3, Y: 4, Z: 3}))
}

func TestGenerateIsDeterministicAcrossDevices(t *testing.T) {
	bumpy := func(cfg *config.WorldConfig) { cfg.Noise.Scale = 0.37 }
	a := newFixture(t, compute.Options{}, bumpy)
	b := newFixture(t, compute.Options{Workers: 1}, bumpy)

	ca, err := a.gen.Generate(context.Background(), vec.Vec2{X: 3, Y: 4}, 0)
	require.NoError(t, err)
	cb, err := b.gen.Generate(context.Background(), vec.Vec2{X: 3, Y: 4}, 0)
	require.NoError(t, err)

	assert.Equal(t, a.download(t, ca.Volume().Texture(), 0), b.download(t, cb.Volume().Texture(), 0))
}

func TestGenerateFailureLeavesChunkAbsent(t *testing.T) {
	f := newFixture(t, compute.Options{MaxTextures: 2})
	ctx := context.Background()

	_, err := f.gen.Generate(ctx, vec.Vec2{X: 0}, 0)
	require.NoError(t, err)
	_, err = f.gen.Generate(ctx, vec.Vec2{X: 1}, 0)
	require.NoError(t, err)

	chunk, err := f.gen.Generate(ctx, vec.Vec2{X: 2}, 0)
	assert.Nil(t, chunk)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, compute.ErrResourceExhausted)

	var gerr *GenerationError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, vec.Vec2{X: 2}, gerr.Coords)
	assert.Nil(t, f.store.Get(vec.Vec2{X: 2}), "неудачный чанк не попадает в хранилище")
	assert.Equal(t, 2, f.store.Len())
}

func TestGenerateDispatchFailureReleasesNewVolume(t *testing.T) {
	f := newFixture(t, compute.Options{})
	f.dev.setFailFill(func(terrainParams) bool { return true })

	_, err := f.gen.Generate(context.Background(), vec.Vec2{X: 5, Y: 5}, 1)
	require.ErrorIs(t, err, ErrGenerationFailed)

	stats := f.sw.Stats()
	assert.Zero(t, stats.Textures, "объём несостоявшегося чанка освобождён")
	assert.Zero(t, stats.Resident)
	assert.Zero(t, f.store.Len())
}

func TestGenerateRejectsUnknownLOD(t *testing.T) {
	f := newFixture(t, compute.Options{})
	_, err := f.gen.Generate(context.Background(), vec.Vec2{}, 3)
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, voxel.ErrOutOfRange)
	assert.Zero(t, f.dev.count(KernelTerrainFill))
}
