package world

import (
	"sync"
	"testing"

	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/config"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/stretchr/testify/require"
)

// testWorldConfig маленький плоский мир: масштаб шума 0 даёт поверхность на половине высоты
func testWorldConfig() config.WorldConfig {
	cfg := config.Default().World
	cfg.ChunkWidth = 8
	cfg.ChunkHeight = 4
	cfg.VoxelScale = 1
	cfg.LODCount = 3
	cfg.ViewRadius = 1
	cfg.ShadowNeighborhood = 3
	cfg.ShadowSourceMip = 1
	cfg.ShadowMips = 2
	cfg.Noise.Scale = 0
	return cfg
}

// countingDevice считает отправки по ядрам и может отказывать в отправке заполнения
type countingDevice struct {
	compute.Device

	mu         sync.Mutex
	dispatches map[compute.KernelID]int
	failFill   func(p terrainParams) bool
}

func (d *countingDevice) Dispatch(kernel compute.KernelID, groups compute.GroupCount, b compute.Bindings) error {
	d.mu.Lock()
	fail := d.failFill
	d.mu.Unlock()

	if kernel == KernelTerrainFill && fail != nil && fail(b.Params.(terrainParams)) {
		return compute.ErrResourceExhausted
	}

	if err := d.Device.Dispatch(kernel, groups, b); err != nil {
		return err
	}
	d.mu.Lock()
	d.dispatches[kernel]++
	d.mu.Unlock()
	return nil
}

func (d *countingDevice) count(kernel compute.KernelID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatches[kernel]
}

func (d *countingDevice) setFailFill(fn func(p terrainParams) bool) {
	d.mu.Lock()
	d.failFill = fn
	d.mu.Unlock()
}

type fixture struct {
	sw    *compute.SoftwareDevice
	dev   *countingDevice
	ctx   *Context
	store *ChunkStore
	gen   *Generator
}

func newFixture(t *testing.T, opts compute.Options, mutate ...func(*config.WorldConfig)) *fixture {
	t.Helper()

	cfg := testWorldConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	if opts.Workers == 0 {
		opts.Workers = 2
	}
	sw := compute.NewSoftwareDevice(opts)
	RegisterKernels(sw)
	t.Cleanup(func() { _ = sw.Close() })

	dev := &countingDevice{Device: sw, dispatches: make(map[compute.KernelID]int)}
	c, err := NewContext(dev, cfg)
	require.NoError(t, err)

	store := NewChunkStore()
	return &fixture{sw: sw, dev: dev, ctx: c, store: store, gen: NewGenerator(c, store)}
}

func (f *fixture) download(t *testing.T, tex compute.TextureID, mip int) []byte {
	t.Helper()
	data, err := f.sw.Download(tex, mip)
	require.NoError(t, err)
	return data
}

func at(data []byte, dims, c vec.Vec3) byte {
	return data[c.X+dims.X*(c.Y+dims.Y*c.Z)]
}

func coordsOf(instances []Instance) []vec.Vec2 {
	out := make([]vec.Vec2, len(instances))
	for i, in := range instances {
		out[i] = in.Coords
	}
	return out
}
