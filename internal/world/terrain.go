package world

import (
	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/util"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/annel0/voxel-terrain/internal/voxel"
	"github.com/go-gl/mathgl/mgl32"
)

// Идентификаторы ядер мира
const (
	KernelTerrainFill   compute.KernelID = "terrain.fill"
	KernelShadowCompose compute.KernelID = "shadow.compose"
)

// RegisterKernels регистрирует все ядра, которыми пользуется мир
func RegisterKernels(reg compute.KernelRegistry) {
	reg.RegisterKernel(KernelTerrainFill, terrainFillKernel)
	reg.RegisterKernel(KernelShadowCompose, shadowComposeKernel)
	voxel.RegisterKernels(reg)
}

// terrainParams параметры ядра заполнения уровня чанка
type terrainParams struct {
	Origin     mgl32.Vec3 // мировой угол чанка
	LOD        LOD
	VoxelScale float32
	Height     int // высота чанка в вокселях уровня 0
	Heights    *util.HeightField
}

// terrainFillKernel заполняет мип LOD объёма чанка: столбец ячейки заполнен до высоты
// поля в мировой точке центра ячейки, материал — номер слоя на уровне 0 плюс один.
func terrainFillKernel(inv *compute.Invocation) {
	p := inv.Params().(terrainParams)
	dst := inv.Image(0)
	dims := dst.Dims()
	step := 1 << p.LOD
	cell := p.VoxelScale * float32(step)

	inv.ForEachThread(func(gid vec.Vec3) {
		if !dims.Contains(gid) {
			return
		}
		wx := p.Origin.X() + (float32(gid.X)+0.5)*cell
		wz := p.Origin.Z() + (float32(gid.Z)+0.5)*cell
		surface := p.Heights.At(float64(wx), float64(wz)) * float64(p.Height)

		y0 := gid.Y * step
		var material uint8
		if float64(y0) < surface {
			material = uint8(min(y0+1, 255))
		}
		dst.Store(gid, material)
	})
}
