package world

import (
	"math/bits"
	"sync"

	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/annel0/voxel-terrain/internal/voxel"
	"github.com/go-gl/mathgl/mgl32"
)

// LOD уровень детализации чанка (0 — самый подробный)
type LOD uint8

// LODMask набор сгенерированных уровней детализации
type LODMask uint8

// Has проверяет, сгенерирован ли уровень
func (m LODMask) Has(l LOD) bool {
	return m&(1<<l) != 0
}

// With возвращает маску с добавленным уровнем
func (m LODMask) With(l LOD) LODMask {
	return m | 1<<l
}

// Count количество сгенерированных уровней
func (m LODMask) Count() int {
	return bits.OnesCount8(uint8(m))
}

// Finest самый подробный сгенерированный уровень
func (m LODMask) Finest() (LOD, bool) {
	if m == 0 {
		return 0, false
	}
	return LOD(bits.TrailingZeros8(uint8(m))), true
}

// Levels уровни маски по возрастанию
func (m LODMask) Levels() []LOD {
	out := make([]LOD, 0, m.Count())
	for l := LOD(0); l < 8; l++ {
		if m.Has(l) {
			out = append(out, l)
		}
	}
	return out
}

// Nearest сгенерированный уровень, ближайший к want; при равенстве выбирается более грубый
func (m LODMask) Nearest(want LOD) (LOD, bool) {
	for d := 0; d < 8; d++ {
		if coarser := int(want) + d; coarser < 8 && m.Has(LOD(coarser)) {
			return LOD(coarser), true
		}
		if finer := int(want) - d; finer >= 0 && m.Has(LOD(finer)) {
			return LOD(finer), true
		}
	}
	return 0, false
}

// Chunk участок мира шириной ChunkWidth вокселей, адресуемый 2D координатой в сетке чанков.
// Высота чанка покрывает весь вертикальный диапазон мира. Чанк хранится в ChunkStore
// по координате и никогда не перемещается: указатели на него кэшируют планировщик и сборщик теней.
type Chunk struct {
	Coords   vec.Vec2   // Координаты чанка в сетке
	Origin   mgl32.Vec3 // Мировая позиция угла чанка (coords * chunkWidth * voxelScale)
	Material int        // Строка палитры материалов

	volume *voxel.Volume

	mu       sync.RWMutex
	lods     LODMask
	resident bool
}

func newChunk(coords vec.Vec2, origin mgl32.Vec3, volume *voxel.Volume, material int) *Chunk {
	return &Chunk{
		Coords:   coords,
		Origin:   origin,
		Material: material,
		volume:   volume,
	}
}

// Volume объём чанка
func (c *Chunk) Volume() *voxel.Volume {
	return c.volume
}

// LODs маска сгенерированных уровней
func (c *Chunk) LODs() LODMask {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lods
}

// HasLOD проверяет, сгенерирован ли уровень
func (c *Chunk) HasLOD(l LOD) bool {
	return c.LODs().Has(l)
}

// Resident сообщает, что хотя бы один уровень сгенерирован и отделён барьером:
// устройство может читать чанк без дополнительной синхронизации
func (c *Chunk) Resident() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resident
}

// Handle bindless-дескриптор объёма чанка (0, если резидентность снята)
func (c *Chunk) Handle() compute.ResidencyHandle {
	return c.volume.Residency().Handle()
}

// markGenerated выставляет бит уровня после завершившегося барьера
func (c *Chunk) markGenerated(l LOD) {
	c.mu.Lock()
	c.lods = c.lods.With(l)
	c.resident = true
	c.mu.Unlock()
}

// Transform мировая матрица чанка для отрисовки уровня l: перенос в Origin и масштаб ячейки уровня
func (c *Chunk) Transform(voxelScale float32, l LOD) mgl32.Mat4 {
	cell := voxelScale * float32(int(1)<<l)
	return mgl32.Translate3D(c.Origin.X(), c.Origin.Y(), c.Origin.Z()).Mul4(mgl32.Scale3D(cell, cell, cell))
}
