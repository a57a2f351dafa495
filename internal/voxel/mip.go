package voxel

import (
	"fmt"

	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/vec"
)

// KernelDownsample ядро построения следующего мипа окклюзии
const KernelDownsample compute.KernelID = "occlusion.downsample"

const (
	slotSource = 0
	slotTarget = 1
)

// RegisterKernels регистрирует ядра пакета на устройстве
func RegisterKernels(reg compute.KernelRegistry) {
	reg.RegisterKernel(KernelDownsample, downsampleKernel)
}

// MipPyramid строит консервативную пирамиду окклюзии: ячейка мипа m+1 занята,
// если занята хотя бы одна ячейка её блока в мипе m.
type MipPyramid struct {
	dev compute.Device
}

// NewMipPyramid создаёт построитель пирамиды
func NewMipPyramid(dev compute.Device) *MipPyramid {
	return &MipPyramid{dev: dev}
}

// Build пересчитывает мипы 1..mipCount-1 объёма из мипа 0.
// Каждый уровень — одна отправка по размеру приёмника и барьер перед чтением следующим уровнем.
func (p *MipPyramid) Build(v *Volume, mipCount int) error {
	if mipCount > v.Mips() {
		return fmt.Errorf("%w: %d mips requested, volume has %d", ErrOutOfRange, mipCount, v.Mips())
	}

	local := p.dev.WorkgroupSize()
	for m := 0; m+1 < mipCount; m++ {
		dst := v.MipDims(m + 1)
		err := p.dev.Dispatch(KernelDownsample, compute.GroupsFor(dst, local), compute.Bindings{
			Images: []compute.ImageBinding{
				v.ReadBinding(slotSource, m),
				v.MipTarget(slotTarget, m+1),
			},
		})
		if err != nil {
			return fmt.Errorf("downsample mip %d: %w", m, err)
		}
		if err := p.dev.Barrier(compute.BarrierImageAccess | compute.BarrierTextureFetch); err != nil {
			return fmt.Errorf("downsample mip %d: %w", m, err)
		}
	}
	return nil
}

func downsampleKernel(inv *compute.Invocation) {
	src := inv.Image(slotSource)
	dst := inv.Image(slotTarget)
	dd := dst.Dims()

	inv.ForEachThread(func(gid vec.Vec3) {
		if !dd.Contains(gid) {
			return
		}
		dst.Store(gid, MaxInSpan(src, gid, dd))
	})
}

// MaxInSpan возвращает наибольший материал блока источника, покрываемого ячейкой
// приёмника cell при размерах приёмника dst. Ноль только если весь блок пуст.
func MaxInSpan(src *compute.Image, cell, dst vec.Vec3) uint8 {
	sd := src.Dims()
	loX, hiX := SourceSpan(cell.X, sd.X, dst.X)
	loY, hiY := SourceSpan(cell.Y, sd.Y, dst.Y)
	loZ, hiZ := SourceSpan(cell.Z, sd.Z, dst.Z)

	var occupied uint8
	for z := loZ; z < hiZ; z++ {
		for y := loY; y < hiY; y++ {
			for x := loX; x < hiX; x++ {
				occupied = max(occupied, src.Load(vec.Vec3{X: x, Y: y, Z: z}))
			}
		}
	}
	return occupied
}

// SourceSpan полуинтервал ячеек источника размера src, покрываемый ячейкой i
// приёмника размера dst. Граница округляется вверх, поэтому нечётный хвост
// источника не теряется, а при dst > src ячейка повторяет свой источник.
func SourceSpan(i, src, dst int) (lo, hi int) {
	lo = i * src / dst
	hi = max(((i+1)*src+dst-1)/dst, lo+1)
	return lo, hi
}
