// Package compute описывает узкий интерфейс вычислительного устройства, которым пользуется
// ядро воксельного мира: 3D-текстуры с мипами, bindless-резидентность, асинхронный
// запуск ядер (Dispatch) и явные барьеры упорядочивания (Barrier).
package compute

import (
	"errors"
	"fmt"

	"github.com/annel0/voxel-terrain/internal/vec"
)

var (
	// ErrHazard возвращается при обращении к ресурсу, запись в который ещё не отделена барьером
	ErrHazard = errors.New("compute: access hazard, missing ordering barrier")
	// ErrResourceExhausted устройство не может выделить ресурс
	ErrResourceExhausted = errors.New("compute: device resources exhausted")
	// ErrUnknownKernel ядро с таким идентификатором не зарегистрировано
	ErrUnknownKernel = errors.New("compute: unknown kernel")
	// ErrUnknownTexture текстура не существует или уже освобождена
	ErrUnknownTexture = errors.New("compute: unknown texture")
	// ErrOutOfBounds регион или мип вне выделенной текстуры
	ErrOutOfBounds = errors.New("compute: region out of bounds")
	// ErrAlreadyResident повторная активация резидентности
	ErrAlreadyResident = errors.New("compute: texture already resident")
	// ErrNotResident дескриптор не активен
	ErrNotResident = errors.New("compute: handle not resident")
	// ErrStillResident попытка освободить текстуру с активным дескриптором
	ErrStillResident = errors.New("compute: texture is still resident")
)

// TextureID идентификатор 3D-текстуры на устройстве
type TextureID uint32

// ResidencyHandle непрозрачный bindless-дескриптор; 0 — невалидный дескриптор
type ResidencyHandle uint64

// KernelID идентификатор вычислительного ядра
type KernelID string

// GroupCount количество рабочих групп по осям
type GroupCount struct {
	X, Y, Z int
}

// Total возвращает общее количество рабочих групп
func (g GroupCount) Total() int {
	return g.X * g.Y * g.Z
}

// GroupsFor вычисляет количество групп, покрывающее extent при размере группы local
func GroupsFor(extent vec.Vec3, local int) GroupCount {
	div := func(v int) int { return max((v+local-1)/local, 1) }
	return GroupCount{X: div(extent.X), Y: div(extent.Y), Z: div(extent.Z)}
}

// Box регион ячеек одного мипа
type Box struct {
	Min  vec.Vec3
	Size vec.Vec3
}

// FullBox возвращает регион, покрывающий весь объём dims
func FullBox(dims vec.Vec3) Box {
	return Box{Size: dims}
}

// Within проверяет, что регион непуст и полностью лежит внутри dims
func (b Box) Within(dims vec.Vec3) bool {
	if b.Size.X <= 0 || b.Size.Y <= 0 || b.Size.Z <= 0 {
		return false
	}
	maxCell := b.Min.Add(b.Size).Sub(vec.Splat3(1))
	return dims.Contains(b.Min) && dims.Contains(maxCell)
}

func (b Box) String() string {
	return fmt.Sprintf("[%d,%d,%d]+[%d,%d,%d]", b.Min.X, b.Min.Y, b.Min.Z, b.Size.X, b.Size.Y, b.Size.Z)
}

// Access режим доступа к привязанному изображению
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
)

// ImageBinding привязка мипа текстуры к слоту ядра
type ImageBinding struct {
	Slot    int
	Texture TextureID
	Mip     int
	Access  Access
}

// Bindings ресурсы, передаваемые в ядро
type Bindings struct {
	Images  []ImageBinding
	Handles []ResidencyHandle // bindless-чтение всех мипов резидентных текстур
	Params  any               // параметры ядра (аналог uniform-блока)
}

// BarrierScope область действия барьера
type BarrierScope uint8

const (
	BarrierImageAccess BarrierScope = 1 << iota
	BarrierTextureFetch
	BarrierHostAccess

	BarrierAll = BarrierImageAccess | BarrierTextureFetch | BarrierHostAccess
)

// Device примитивы вычислительного устройства, которые потребляет ядро мира.
//
// Dispatch только ставит работу в очередь; две отправки без барьера между ними
// могут выполняться в любом порядке или одновременно. Barrier гарантирует, что
// вся ранее отправленная работа завершена до любой последующей работы или
// обращения хоста; ошибки выполнения ядер возвращаются из Barrier.
type Device interface {
	AllocateVolume(desc VolumeDesc) (TextureID, error)
	ReleaseVolume(tex TextureID) error
	Upload(tex TextureID, mip int, region Box, data []byte) error
	Download(tex TextureID, mip int) ([]byte, error)

	MakeResident(tex TextureID) (ResidencyHandle, error)
	MakeNonResident(handle ResidencyHandle) error

	Dispatch(kernel KernelID, groups GroupCount, b Bindings) error
	Barrier(scope BarrierScope) error

	WorkgroupSize() int
}

// VolumeDesc описание выделяемой 3D-текстуры формата R8UI
type VolumeDesc struct {
	Dims vec.Vec3
	Mips int
	// KeepHeight оставляет высоту мипов равной высоте базового уровня (блоки 2x1x2)
	KeepHeight bool
}

// MipDims возвращает размеры мипа: X и Z делятся пополам на каждом уровне (не меньше 1),
// Y — тоже, если не задан KeepHeight
func (d VolumeDesc) MipDims(mip int) vec.Vec3 {
	dims := d.Dims.Shr(mip)
	if d.KeepHeight {
		dims.Y = d.Dims.Y
	}
	return dims
}

// Bytes возвращает суммарный объём всех мипов в байтах
func (d VolumeDesc) Bytes() int64 {
	var total int64
	for m := 0; m < d.Mips; m++ {
		total += int64(d.MipDims(m).Volume())
	}
	return total
}
