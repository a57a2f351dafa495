package world

import "github.com/annel0/voxel-terrain/internal/vec"

// Пороговые манхэттенские расстояния выбора уровня детализации
const (
	lodFinestRadius = 1
	lodMiddleRadius = 4
)

// SelectLOD выбирает уровень детализации чанка по манхэттенскому расстоянию до origin:
// <=1 — уровень 0, <=4 — уровень 1, дальше — уровень 2.
func SelectLOD(coords, origin vec.Vec2) LOD {
	switch d := coords.Manhattan(origin); {
	case d <= lodFinestRadius:
		return 0
	case d <= lodMiddleRadius:
		return 1
	default:
		return 2
	}
}

// clampLOD ограничивает уровень количеством мипов объёма чанка
func clampLOD(l LOD, lodCount int) LOD {
	if int(l) >= lodCount {
		return LOD(lodCount - 1)
	}
	return l
}
