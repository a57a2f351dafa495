package util

import (
	"github.com/aquilax/go-perlin"
)

// HeightField двумерное поле высот на шуме Перлина.
// После создания только читается, поэтому безопасно для параллельных ядер.
type HeightField struct {
	noise *perlin.Perlin
	scale float64
}

// NewHeightField создаёт поле высот.
// alpha — сглаживание шума, beta — частота, octaves — количество октав,
// scale — множитель мировых координат перед выборкой шума.
func NewHeightField(seed int64, alpha, beta float64, octaves int32, scale float64) *HeightField {
	return &HeightField{
		noise: perlin.NewPerlin(alpha, beta, octaves, seed),
		scale: scale,
	}
}

// At возвращает высоту в мировой точке (x, z) в диапазоне [0, 1]
func (h *HeightField) At(x, z float64) float64 {
	// Получаем значение шума (примерно от -1 до 1)
	noise := h.noise.Noise2D(x*h.scale, z*h.scale)

	// Преобразуем в диапазон от 0 до 1
	v := (noise + 1.0) / 2.0
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
