package voxel

import (
	"math"

	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/go-gl/mathgl/mgl32"
)

// Sampler интерфейс выборки, которым пользуется трассировщик
type Sampler interface {
	Sample(cell vec.Vec3) uint8
	Dims() vec.Vec3
}

// TracedRay результат трассировки луча
type TracedRay struct {
	Direction mgl32.Vec3
	HitPoint  mgl32.Vec3
	Hit       bool
	T         float32
	Sample    uint8
	Cell      vec.Vec3 // ячейка относительно центра объёма
}

// RayMarcher обходит сетку объёма методом DDA (Amanatides-Woo).
// Center — мировая позиция центра объёма, VoxelScale — размер ячейки в мировых единицах.
type RayMarcher struct {
	Volume     Sampler
	VoxelScale float32
	Center     mgl32.Vec3
}

// компоненты направления меньше этого считаются нулевыми
const degenerateAxis = 1e-12

// Trace трассирует луч до первой непустой ячейки или до maxDistance
func (rm RayMarcher) Trace(origin, direction mgl32.Vec3, maxDistance float32) TracedRay {
	miss := TracedRay{Direction: direction, T: maxDistance}
	if rm.Volume == nil || rm.VoxelScale <= 0 || direction.Len() == 0 {
		return miss
	}
	direction = direction.Normalize()
	miss.Direction = direction

	dims := rm.Volume.Dims()
	half := [3]float64{float64(dims.X) / 2, float64(dims.Y) / 2, float64(dims.Z) / 2}
	scale := float64(rm.VoxelScale)

	var (
		pos   [3]float64
		cell  [3]int
		step  [3]int
		delta [3]float64
		tMax  [3]float64
	)
	for a := 0; a < 3; a++ {
		pos[a] = float64(origin[a]-rm.Center[a])/scale + half[a]
		cell[a] = int(math.Floor(pos[a]))

		d := float64(direction[a])
		switch {
		case math.Abs(d) < degenerateAxis:
			step[a] = 0
			delta[a] = math.Inf(1)
			tMax[a] = math.Inf(1)
		case d > 0:
			step[a] = 1
			delta[a] = math.Abs(1 / d)
			tMax[a] = (float64(cell[a]+1) - pos[a]) * delta[a]
		default:
			step[a] = -1
			delta[a] = math.Abs(1 / d)
			tMax[a] = (pos[a] - float64(cell[a])) * delta[a]
		}
	}

	current := vec.Vec3{X: cell[0], Y: cell[1], Z: cell[2]}
	if !dims.Contains(current) {
		return miss
	}

	// Луч внутри объёма проходит не больше X+Y+Z ячеек; ограничение до
	// преобразования в int защищает от переполнения при огромном или бесконечном maxDistance.
	bound := float64(dims.X + dims.Y + dims.Z)
	budget := float64(maxDistance) / scale
	if math.IsNaN(budget) || budget > bound {
		budget = bound
	}
	steps := int(budget)
	last := -1
	for i := 0; i <= steps; i++ {
		if s := rm.Volume.Sample(current); s != Empty {
			t := 0.0
			if last >= 0 {
				t = (tMax[last] - delta[last]) * scale
			}
			if t > float64(maxDistance) {
				return miss
			}
			return TracedRay{
				Direction: direction,
				HitPoint:  origin.Add(direction.Mul(float32(t))),
				Hit:       true,
				T:         float32(t),
				Sample:    s,
				Cell:      current.Sub(vec.Vec3{X: dims.X / 2, Y: dims.Y / 2, Z: dims.Z / 2}),
			}
		}

		var axis int
		if tMax[0] < tMax[1] {
			if tMax[0] < tMax[2] {
				axis = 0
			} else {
				axis = 2
			}
		} else {
			if tMax[1] < tMax[2] {
				axis = 1
			} else {
				axis = 2
			}
		}
		if math.IsInf(tMax[axis], 1) {
			return miss
		}

		cell[axis] += step[axis]
		tMax[axis] += delta[axis]
		last = axis

		current = vec.Vec3{X: cell[0], Y: cell[1], Z: cell[2]}
		if !dims.Contains(current) {
			return miss
		}
	}
	return miss
}
