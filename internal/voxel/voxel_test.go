package voxel

import (
	"bytes"
	"math"
	"testing"

	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T) *compute.SoftwareDevice {
	t.Helper()
	dev := compute.NewSoftwareDevice(compute.Options{Workers: 4})
	RegisterKernels(dev)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func newCube(t *testing.T, dev compute.Device, size, mips int) *Volume {
	t.Helper()
	v, err := NewVolume(dev, size, size, size, mips)
	require.NoError(t, err)
	require.NoError(t, v.Clear(0))
	return v
}

func setCell(t *testing.T, v *Volume, c vec.Vec3, material uint8) {
	t.Helper()
	require.NoError(t, v.Write(0, compute.Box{Min: c, Size: vec.Splat3(1)}, []byte{material}))
}

func TestWriteOutOfRange(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 8, 3)

	err := v.Write(3, compute.FullBox(vec.Splat3(1)), []byte{1})
	assert.ErrorIs(t, err, ErrOutOfRange, "мип за пределами цепочки")

	err = v.Write(1, compute.Box{Min: vec.Vec3{X: 3}, Size: vec.Splat3(2)}, make([]byte, 8))
	assert.ErrorIs(t, err, ErrOutOfRange, "регион выходит за мип 1 (4x4x4)")

	err = v.Write(0, compute.FullBox(vec.Splat3(2)), []byte{1})
	assert.ErrorIs(t, err, ErrOutOfRange, "размер данных не совпадает с регионом")
}

func TestSampleBoundaryIsEmpty(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 4, 1)
	require.NoError(t, v.Write(0, compute.FullBox(vec.Splat3(4)), bytesOf(64, 9)))

	assert.Equal(t, uint8(9), v.Sample(vec.Vec3{X: 3, Y: 3, Z: 3}))
	for _, c := range []vec.Vec3{
		{X: -1}, {X: 4}, {Y: -1}, {Y: 4}, {Z: -1}, {Z: 4},
	} {
		assert.Equal(t, Empty, v.Sample(c), "ячейка %v вне объёма должна быть пустой", c)
	}
}

func TestSampleSeesWritesAfterBarrier(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 4, 1)
	assert.Equal(t, Empty, v.Sample(vec.Vec3{X: 1, Y: 1, Z: 1}))

	setCell(t, v, vec.Vec3{X: 1, Y: 1, Z: 1}, 5)
	assert.Equal(t, uint8(5), v.Sample(vec.Vec3{X: 1, Y: 1, Z: 1}), "запись хоста обновляет зеркало")
}

func TestSampleLogsUnorderedReadback(t *testing.T) {
	var buf bytes.Buffer
	logging.GetLoggerManager().Register("voxel", logging.NewWriterLogger("voxel", &buf, logging.WARN))
	t.Cleanup(func() { logging.GetLoggerManager().Register("voxel", nil) })

	dev := newDevice(t)
	dev.RegisterKernel("test.fill", func(inv *compute.Invocation) {
		img := inv.Image(0)
		inv.ForEachThread(func(gid vec.Vec3) {
			if img.Dims().Contains(gid) {
				img.Store(gid, 9)
			}
		})
	})
	v := newCube(t, dev, 4, 1)

	// запись ядром без барьера: чтение зеркала обязано упасть с ErrHazard
	require.NoError(t, dev.Dispatch("test.fill", compute.GroupsFor(v.Dims(), dev.WorkgroupSize()),
		compute.Bindings{Images: []compute.ImageBinding{v.MipTarget(0, 0)}}))

	assert.Equal(t, Empty, v.Sample(vec.Vec3{X: 1, Y: 1, Z: 1}))
	assert.Contains(t, buf.String(), "[WARN] [voxel]")
	assert.Contains(t, buf.String(), compute.ErrHazard.Error())

	require.NoError(t, dev.Barrier(compute.BarrierImageAccess|compute.BarrierTextureFetch))
	assert.Equal(t, uint8(9), v.Sample(vec.Vec3{X: 1, Y: 1, Z: 1}))
}

// invalidatingDevice помечает объём устаревшим посреди чтения зеркала
type invalidatingDevice struct {
	compute.Device
	onDownload func()
}

func (d *invalidatingDevice) Download(tex compute.TextureID, mip int) ([]byte, error) {
	data, err := d.Device.Download(tex, mip)
	if d.onDownload != nil {
		d.onDownload()
	}
	return data, err
}

func TestReadbackKeepsMirrorStaleAfterConcurrentWrite(t *testing.T) {
	dev := &invalidatingDevice{Device: newDevice(t)}
	v := newCube(t, dev, 4, 1)
	setCell(t, v, vec.Vec3{X: 1, Y: 1, Z: 1}, 3)

	dev.onDownload = func() { setCell(t, v, vec.Vec3{X: 1, Y: 1, Z: 1}, 4) }
	require.NoError(t, v.Readback())
	dev.onDownload = nil

	v.mu.RLock()
	valid := v.mirrorValid
	v.mu.RUnlock()
	assert.False(t, valid, "чтение, обогнанное записью, не делает зеркало валидным")
	assert.Equal(t, uint8(4), v.Sample(vec.Vec3{X: 1, Y: 1, Z: 1}))
}

func TestResidencyReleaseIsIdempotent(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 4, 1)

	r, err := v.MakeResident()
	require.NoError(t, err)
	assert.NotZero(t, r.Handle())

	again, err := v.MakeResident()
	require.NoError(t, err)
	assert.Same(t, r, again, "резидентность не активируется дважды")

	require.NoError(t, r.Release())
	require.NoError(t, r.Release())
	assert.Zero(t, r.Handle())
	assert.False(t, r.Active())

	require.NoError(t, v.Destroy())
	assert.Equal(t, 0, dev.Stats().Textures)
}

func TestDestroyReleasesResidency(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 4, 1)
	_, err := v.MakeResident()
	require.NoError(t, err)

	require.NoError(t, v.Destroy())
	stats := dev.Stats()
	assert.Equal(t, 0, stats.Resident)
	assert.Equal(t, 0, stats.Textures)
}

func TestMipPyramidIsConservative(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 8, 4)

	occupied := []vec.Vec3{{X: 0, Y: 0, Z: 0}, {X: 5, Y: 2, Z: 7}, {X: 7, Y: 7, Z: 1}}
	for _, c := range occupied {
		setCell(t, v, c, 3)
	}

	require.NoError(t, NewMipPyramid(dev).Build(v, 4))

	for m := 0; m+1 < 4; m++ {
		src, err := dev.Download(v.Texture(), m)
		require.NoError(t, err)
		dst, err := dev.Download(v.Texture(), m+1)
		require.NoError(t, err)

		sd, dd := v.MipDims(m), v.MipDims(m+1)
		for z := 0; z < sd.Z; z++ {
			for y := 0; y < sd.Y; y++ {
				for x := 0; x < sd.X; x++ {
					if src[x+sd.X*(y+sd.Y*z)] == 0 {
						continue
					}
					p := vec.Vec3{X: x / 2, Y: y / 2, Z: z / 2}
					assert.NotZero(t, dst[p.X+dd.X*(p.Y+dd.Y*p.Z)],
						"мип %d забыл занятость ячейки %v", m+1, vec.Vec3{X: x, Y: y, Z: z})
				}
			}
		}
	}

	top, err := dev.Download(v.Texture(), 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, top)
}

func TestMipPyramidKeepsHeight(t *testing.T) {
	dev := newDevice(t)
	v, err := NewVolumeDesc(dev, compute.VolumeDesc{Dims: vec.Vec3{X: 8, Y: 2, Z: 8}, Mips: 3, KeepHeight: true})
	require.NoError(t, err)
	require.NoError(t, v.Clear(0))
	require.NoError(t, v.Write(0, compute.Box{Min: vec.Vec3{X: 6, Y: 1, Z: 6}, Size: vec.Splat3(1)}, []byte{2}))

	require.NoError(t, NewMipPyramid(dev).Build(v, 3))

	mip2, err := dev.Download(v.Texture(), 2)
	require.NoError(t, err)
	// мип 2: 2x2x2, ячейка (1,1,1) — единственная занятая
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 2}, mip2)
}

func TestMipPyramidIsDeterministic(t *testing.T) {
	dev := newDevice(t)
	build := func() []byte {
		v := newCube(t, dev, 8, 3)
		setCell(t, v, vec.Vec3{X: 2, Y: 3, Z: 4}, 7)
		setCell(t, v, vec.Vec3{X: 3, Y: 3, Z: 4}, 4)
		require.NoError(t, NewMipPyramid(dev).Build(v, 3))
		out, err := dev.Download(v.Texture(), 1)
		require.NoError(t, err)
		return out
	}
	assert.Equal(t, build(), build())
}

func TestMipPyramidRejectsTooManyMips(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 4, 2)
	assert.ErrorIs(t, NewMipPyramid(dev).Build(v, 3), ErrOutOfRange)
}

func TestTraceEmptyVolume(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 16, 1)

	rm := RayMarcher{Volume: v, VoxelScale: 1}
	ray := rm.Trace(mgl32.Vec3{0.5, 0.5, 0.5}, mgl32.Vec3{1, 0, 0}, 10)

	assert.False(t, ray.Hit)
	assert.Equal(t, float32(10), ray.T)
}

func TestTraceSingleCellAhead(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 8, 1)
	setCell(t, v, vec.Vec3{X: 6, Y: 4, Z: 4}, 42)

	rm := RayMarcher{Volume: v, VoxelScale: 1}
	ray := rm.Trace(mgl32.Vec3{0.5, 0.5, 0.5}, mgl32.Vec3{1, 0, 0}, 10)

	require.True(t, ray.Hit)
	assert.Equal(t, vec.Vec3{X: 2, Y: 0, Z: 0}, ray.Cell)
	assert.Equal(t, uint8(42), ray.Sample)
	assert.InDelta(t, 1.5, ray.T, 1e-5)
	assert.Less(t, ray.T, float32(10))
	assert.InDelta(t, 2.0, ray.HitPoint.X(), 1e-5)
}

func TestTraceNegativeAxisAndScale(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 8, 1)
	setCell(t, v, vec.Vec3{X: 4, Y: 1, Z: 4}, 1)

	// центр объёма в (10, 0, 10), ячейка 0.5 м
	rm := RayMarcher{Volume: v, VoxelScale: 0.5, Center: mgl32.Vec3{10, 0, 10}}
	ray := rm.Trace(mgl32.Vec3{10.25, 0.25, 10.25}, mgl32.Vec3{0, -1, 0}, 5)

	require.True(t, ray.Hit)
	assert.Equal(t, vec.Vec3{X: 0, Y: -3, Z: 0}, ray.Cell)
	// луч стартует в ячейке y=4 (локально 4.5), верхняя грань ячейки 1 на y=2
	assert.InDelta(t, 1.25, ray.T, 1e-5)
}

func TestTraceHugeMaxDistance(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 8, 1)
	setCell(t, v, vec.Vec3{X: 6, Y: 4, Z: 4}, 7)

	rm := RayMarcher{Volume: v, VoxelScale: 0.1}
	for _, maxDistance := range []float32{10, 1e18, 1e21, 1e30, float32(math.Inf(1))} {
		ray := rm.Trace(mgl32.Vec3{0.05, 0.05, 0.05}, mgl32.Vec3{1, 0, 0}, maxDistance)
		require.True(t, ray.Hit, "maxDistance=%g", maxDistance)
		assert.Equal(t, vec.Vec3{X: 2, Y: 0, Z: 0}, ray.Cell)
		assert.InDelta(t, 0.15, ray.T, 1e-5)
	}

	ray := rm.Trace(mgl32.Vec3{0.05, 0.05, 0.05}, mgl32.Vec3{1, 0, 0}, float32(math.NaN()))
	assert.True(t, ray.Hit, "NaN ограничивается размером объёма")
}

func TestTraceDiagonalWithZeroComponent(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 8, 1)
	setCell(t, v, vec.Vec3{X: 6, Y: 4, Z: 6}, 1)

	rm := RayMarcher{Volume: v, VoxelScale: 1}
	ray := rm.Trace(mgl32.Vec3{0.5, 0.5, 0.5}, mgl32.Vec3{1, 0, 1}, 20)

	require.True(t, ray.Hit)
	assert.Equal(t, vec.Vec3{X: 2, Y: 0, Z: 2}, ray.Cell)
	assert.False(t, math.IsNaN(float64(ray.T)), "t не должен быть NaN")
}

func TestTraceStartsOutside(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 4, 1)
	require.NoError(t, v.Write(0, compute.FullBox(vec.Splat3(4)), bytesOf(64, 1)))

	rm := RayMarcher{Volume: v, VoxelScale: 1}
	ray := rm.Trace(mgl32.Vec3{-10, 0, 0}, mgl32.Vec3{1, 0, 0}, 30)
	assert.False(t, ray.Hit)
	assert.Equal(t, float32(30), ray.T)
}

func TestTraceExitsVolume(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 4, 1)

	rm := RayMarcher{Volume: v, VoxelScale: 1}
	ray := rm.Trace(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, -1}, 100)
	assert.False(t, ray.Hit)
	assert.Equal(t, float32(100), ray.T)
}

func TestTraceZeroDirection(t *testing.T) {
	dev := newDevice(t)
	v := newCube(t, dev, 4, 1)

	ray := RayMarcher{Volume: v, VoxelScale: 1}.Trace(mgl32.Vec3{}, mgl32.Vec3{}, 3)
	assert.False(t, ray.Hit)
	assert.Equal(t, float32(3), ray.T)
}

func TestPalette(t *testing.T) {
	p := NewPalette()

	assert.Equal(t, Color(0), p.Color(RowDefault, Empty))
	r, g, b, a := p.Color(RowHeightmap, 200).Components()
	assert.Equal(t, [4]uint8{200, 200, 200, 255}, [4]uint8{r, g, b, a})

	require.NoError(t, p.Set(3, 7, RGBA(1, 2, 3, 4)))
	assert.Equal(t, RGBA(1, 2, 3, 4), p.Color(3, 7))
	assert.ErrorIs(t, p.Set(PaletteRows, 1, 0), ErrOutOfRange)
	assert.Equal(t, "#01020304", RGBA(1, 2, 3, 4).String())
}

func bytesOf(n int, v byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestSourceSpan(t *testing.T) {
	cases := []struct {
		i, src, dst int
		lo, hi      int
	}{
		{i: 1, src: 8, dst: 4, lo: 2, hi: 4},
		{i: 0, src: 3, dst: 1, lo: 0, hi: 3},
		{i: 0, src: 1, dst: 1, lo: 0, hi: 1},
		{i: 3, src: 2, dst: 4, lo: 1, hi: 2},
	}
	for _, tc := range cases {
		lo, hi := SourceSpan(tc.i, tc.src, tc.dst)
		assert.Equal(t, [2]int{tc.lo, tc.hi}, [2]int{lo, hi}, "ячейка %d, %d -> %d", tc.i, tc.src, tc.dst)
	}
}
