// Package voxel содержит воксельный объём с резидентностью на устройстве,
// построение пирамиды окклюзии и трассировку лучей по сетке.
package voxel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/logging"
	"github.com/annel0/voxel-terrain/internal/vec"
)

// ErrOutOfRange адресация за пределами выделенного объёма при явной записи
var ErrOutOfRange = errors.New("voxel: write out of range")

// Empty материал пустой ячейки
const Empty uint8 = 0

// Volume 3D-сетка индексов материалов (R8UI) с мипами, размещённая на устройстве.
// У объёма ровно один владелец (чанк или общий теневой объём); потребители
// получают привязки только на чтение или только на запись мипа.
// Зеркало мипа 0 можно читать из нескольких горутин; запись на устройство
// выполняет только владелец.
type Volume struct {
	dev       compute.Device
	tex       compute.TextureID
	desc      compute.VolumeDesc
	residency *Residency
	log       *logging.Logger

	mu          sync.RWMutex
	mirror      []uint8 // зеркало мипа 0 на стороне хоста
	mirrorValid bool
	generation  uint64 // растёт при каждой записи в мип 0; старое чтение не делает зеркало валидным
}

// NewVolume выделяет объём width x height x depth с mipCount уровнями.
// Содержимое не гарантируется до явной записи.
func NewVolume(dev compute.Device, width, height, depth, mipCount int) (*Volume, error) {
	return NewVolumeDesc(dev, compute.VolumeDesc{
		Dims: vec.Vec3{X: width, Y: height, Z: depth},
		Mips: mipCount,
	})
}

// NewVolumeDesc выделяет объём по полному описанию
func NewVolumeDesc(dev compute.Device, desc compute.VolumeDesc) (*Volume, error) {
	tex, err := dev.AllocateVolume(desc)
	if err != nil {
		return nil, fmt.Errorf("allocate volume %v: %w", desc.Dims, err)
	}
	return &Volume{dev: dev, tex: tex, desc: desc, log: logging.GetVoxelLogger()}, nil
}

// Dims размеры мипа 0
func (v *Volume) Dims() vec.Vec3 {
	return v.desc.Dims
}

// Mips количество мипов
func (v *Volume) Mips() int {
	return v.desc.Mips
}

// Desc описание текстуры
func (v *Volume) Desc() compute.VolumeDesc {
	return v.desc
}

// MipDims размеры мипа
func (v *Volume) MipDims(mip int) vec.Vec3 {
	return v.desc.MipDims(mip)
}

// Texture идентификатор текстуры на устройстве
func (v *Volume) Texture() compute.TextureID {
	return v.tex
}

// Write загружает данные в регион мипа. Регион и мип должны лежать в границах объёма.
func (v *Volume) Write(mip int, region compute.Box, data []byte) error {
	if mip < 0 || mip >= v.desc.Mips {
		return fmt.Errorf("%w: mip %d of %d", ErrOutOfRange, mip, v.desc.Mips)
	}
	if !region.Within(v.desc.MipDims(mip)) {
		return fmt.Errorf("%w: region %s in mip %d %v", ErrOutOfRange, region, mip, v.desc.MipDims(mip))
	}
	if len(data) != region.Size.Volume() {
		return fmt.Errorf("%w: %d bytes for region %s", ErrOutOfRange, len(data), region)
	}

	if err := v.dev.Upload(v.tex, mip, region, data); err != nil {
		return err
	}
	if mip == 0 {
		v.invalidate()
	}
	return nil
}

// Clear обнуляет мип
func (v *Volume) Clear(mip int) error {
	dims := v.desc.MipDims(mip)
	return v.Write(mip, compute.FullBox(dims), make([]byte, dims.Volume()))
}

// Sample возвращает материал ячейки мипа 0. Ячейки вне объёма пусты (0) — лучу
// разрешено заглядывать за границу.
func (v *Volume) Sample(cell vec.Vec3) uint8 {
	if !v.desc.Dims.Contains(cell) {
		return Empty
	}

	v.mu.RLock()
	if v.mirrorValid {
		val := v.mirror[v.index(cell)]
		v.mu.RUnlock()
		return val
	}
	v.mu.RUnlock()

	data, err := v.readback()
	if err != nil {
		v.log.Warn("sample %v of texture %d: %v", cell, v.tex, err)
		return Empty
	}
	return data[v.index(cell)]
}

// Readback обновляет зеркало мипа 0. Запись на устройстве должна быть отделена барьером.
func (v *Volume) Readback() error {
	_, err := v.readback()
	return err
}

func (v *Volume) readback() ([]byte, error) {
	v.mu.RLock()
	generation := v.generation
	v.mu.RUnlock()

	data, err := v.dev.Download(v.tex, 0)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	if v.generation == generation {
		v.mirror = data
		v.mirrorValid = true
	}
	v.mu.Unlock()
	return data, nil
}

func (v *Volume) invalidate() {
	v.mu.Lock()
	v.generation++
	v.mirrorValid = false
	v.mu.Unlock()
}

func (v *Volume) index(c vec.Vec3) int {
	d := v.desc.Dims
	return c.X + d.X*(c.Y+d.Y*c.Z)
}

// ReadBinding привязка мипа только на чтение
func (v *Volume) ReadBinding(slot, mip int) compute.ImageBinding {
	return compute.ImageBinding{Slot: slot, Texture: v.tex, Mip: mip, Access: compute.AccessRead}
}

// MipTarget привязка мипа только на запись; зеркало хоста помечается устаревшим
func (v *Volume) MipTarget(slot, mip int) compute.ImageBinding {
	if mip == 0 {
		v.invalidate()
	}
	return compute.ImageBinding{Slot: slot, Texture: v.tex, Mip: mip, Access: compute.AccessWrite}
}

// MakeResident активирует bindless-дескриптор; повторный вызов возвращает тот же дескриптор
func (v *Volume) MakeResident() (*Residency, error) {
	if v.residency != nil && v.residency.Active() {
		return v.residency, nil
	}
	r, err := AcquireResidency(v.dev, v.tex)
	if err != nil {
		return nil, err
	}
	v.residency = r
	return r, nil
}

// Residency текущий дескриптор или nil
func (v *Volume) Residency() *Residency {
	return v.residency
}

// Destroy снимает резидентность и освобождает текстуру.
// Вызывается только при вытеснении чанка, не посреди кадра.
func (v *Volume) Destroy() error {
	if v.residency != nil {
		if err := v.residency.Release(); err != nil {
			return err
		}
	}
	return v.dev.ReleaseVolume(v.tex)
}
