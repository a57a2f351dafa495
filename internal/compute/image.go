package compute

import (
	"fmt"

	"github.com/annel0/voxel-terrain/internal/vec"
)

// Image представление одного мипа текстуры внутри ядра
type Image struct {
	dims     vec.Vec3
	data     []uint8
	writable bool
}

// Dims размеры изображения
func (img *Image) Dims() vec.Vec3 {
	return img.dims
}

func (img *Image) index(c vec.Vec3) int {
	return c.X + img.dims.X*(c.Y+img.dims.Y*c.Z)
}

// Load читает ячейку; за пределами изображения возвращает 0 (как imageLoad с clamp-to-zero)
func (img *Image) Load(c vec.Vec3) uint8 {
	if img == nil || !img.dims.Contains(c) {
		return 0
	}
	return img.data[img.index(c)]
}

// Store записывает ячейку; запись за пределами игнорируется.
// Запись в изображение, привязанное только на чтение, — ошибка программы ядра.
func (img *Image) Store(c vec.Vec3, v uint8) {
	if !img.writable {
		panic(fmt.Sprintf("compute: store into read-only image at %v", c))
	}
	if !img.dims.Contains(c) {
		return
	}
	img.data[img.index(c)] = v
}

// ResidentVolume bindless-представление всех мипов резидентной текстуры (только чтение)
type ResidentVolume struct {
	desc VolumeDesc
	mips []*Image
}

// Desc описание текстуры
func (rv *ResidentVolume) Desc() VolumeDesc {
	return rv.desc
}

// Mip возвращает мип или nil, если уровня нет
func (rv *ResidentVolume) Mip(m int) *Image {
	if rv == nil || m < 0 || m >= len(rv.mips) {
		return nil
	}
	return rv.mips[m]
}

// Invocation контекст выполнения одной рабочей группы
type Invocation struct {
	group    vec.Vec3
	local    int
	images   map[int]*Image
	resident map[ResidencyHandle]*ResidentVolume
	params   any
}

// GroupID координаты рабочей группы
func (inv *Invocation) GroupID() vec.Vec3 {
	return inv.group
}

// LocalSize размер рабочей группы по каждой оси
func (inv *Invocation) LocalSize() int {
	return inv.local
}

// Image возвращает изображение, привязанное к слоту
func (inv *Invocation) Image(slot int) *Image {
	return inv.images[slot]
}

// Resident разыменовывает bindless-дескриптор; nil для неизвестного дескриптора
func (inv *Invocation) Resident(h ResidencyHandle) *ResidentVolume {
	return inv.resident[h]
}

// Params параметры ядра
func (inv *Invocation) Params() any {
	return inv.params
}

// ForEachThread вызывает fn для каждого глобального идентификатора потока группы
func (inv *Invocation) ForEachThread(fn func(gid vec.Vec3)) {
	base := vec.Vec3{X: inv.group.X * inv.local, Y: inv.group.Y * inv.local, Z: inv.group.Z * inv.local}
	for z := 0; z < inv.local; z++ {
		for y := 0; y < inv.local; y++ {
			for x := 0; x < inv.local; x++ {
				fn(base.Add(vec.Vec3{X: x, Y: y, Z: z}))
			}
		}
	}
}

// KernelFunc программа ядра, выполняемая для каждой рабочей группы
type KernelFunc func(inv *Invocation)

// KernelRegistry принимает регистрацию программ ядер
type KernelRegistry interface {
	RegisterKernel(id KernelID, fn KernelFunc)
}
