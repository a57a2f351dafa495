package world

import (
	"errors"
	"testing"

	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectLOD(t *testing.T) {
	origin := vec.Vec2{}
	assert.Equal(t, LOD(0), SelectLOD(vec.Vec2{X: 0, Y: 0}, origin))
	assert.Equal(t, LOD(0), SelectLOD(vec.Vec2{X: 0, Y: -1}, origin))
	assert.Equal(t, LOD(1), SelectLOD(vec.Vec2{X: 2, Y: 0}, origin))
	assert.Equal(t, LOD(1), SelectLOD(vec.Vec2{X: 2, Y: 2}, origin))
	assert.Equal(t, LOD(2), SelectLOD(vec.Vec2{X: 5, Y: 5}, origin))

	// зависит только от манхэттенского расстояния
	assert.Equal(t, SelectLOD(vec.Vec2{X: 13, Y: 7}, vec.Vec2{X: 10, Y: 6}), SelectLOD(vec.Vec2{X: 4}, origin))
}

func TestLODMask(t *testing.T) {
	var m LODMask
	_, ok := m.Finest()
	assert.False(t, ok)

	m = m.With(2).With(1)
	assert.True(t, m.Has(1))
	assert.False(t, m.Has(0))
	assert.Equal(t, 2, m.Count())
	assert.Equal(t, []LOD{1, 2}, m.Levels())

	finest, ok := m.Finest()
	require.True(t, ok)
	assert.Equal(t, LOD(1), finest)

	l, _ := m.Nearest(0)
	assert.Equal(t, LOD(1), l)

	l, _ = LODMask(0).With(0).With(2).Nearest(1)
	assert.Equal(t, LOD(2), l, "при равном расстоянии выбирается более грубый уровень")
}

func TestChunkStore(t *testing.T) {
	store := NewChunkStore()
	key := vec.Vec2{X: -3, Y: 7}
	assert.Nil(t, store.Get(key))

	calls := 0
	create := func() (*Chunk, error) {
		calls++
		return newChunk(key, mgl32.Vec3{}, nil, 0), nil
	}

	first, created, err := store.GetOrCreate(key, create)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := store.GetOrCreate(vec.Vec2{X: -3, Y: 7}, create)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second, "чанк хранится по значению координаты и не пересоздаётся")
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, store.Len())

	_, _, err = store.GetOrCreate(vec.Vec2{}, func() (*Chunk, error) { return nil, errors.New("boom") })
	assert.Error(t, err)
	assert.Equal(t, 1, store.Len())

	assert.Same(t, first, store.Remove(key))
	assert.Nil(t, store.Get(key))
	assert.Empty(t, store.Chunks())
}

func TestChunkTransform(t *testing.T) {
	c := newChunk(vec.Vec2{X: 1, Y: 2}, mgl32.Vec3{12.8, 0, 25.6}, nil, 0)

	m := c.Transform(0.1, 2)
	p := m.Mul4x1(mgl32.Vec4{1, 1, 1, 1})
	assert.InDelta(t, 13.2, p.X(), 1e-4)
	assert.InDelta(t, 0.4, p.Y(), 1e-4)
	assert.InDelta(t, 26.0, p.Z(), 1e-4)
}

func TestContextChunkMath(t *testing.T) {
	f := newFixture(t, compute.Options{})
	// ширина чанка 8 при масштабе 1
	assert.Equal(t, mgl32.Vec3{-8, 0, 16}, f.ctx.ChunkOrigin(vec.Vec2{X: -1, Y: 2}))
	assert.Equal(t, vec.Vec2{X: -1, Y: 2}, f.ctx.ChunkAt(mgl32.Vec3{-0.5, 100, 16}))
	assert.Equal(t, vec.Vec2{X: 0, Y: 0}, f.ctx.ChunkAt(mgl32.Vec3{7.99, 0, 0}))
}
