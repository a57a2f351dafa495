package vec

// Vec3 представляет трехмерный вектор с целочисленными координатами (ячейка вокселя)
type Vec3 struct {
	X int
	Y int
	Z int
}

// Splat3 возвращает вектор с одинаковыми компонентами
func Splat3(v int) Vec3 {
	return Vec3{X: v, Y: v, Z: v}
}

// Add складывает два вектора
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{
		X: v.X + other.X,
		Y: v.Y + other.Y,
		Z: v.Z + other.Z,
	}
}

// Sub вычитает вектор
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{
		X: v.X - other.X,
		Y: v.Y - other.Y,
		Z: v.Z - other.Z,
	}
}

// Shr сдвигает каждую компоненту вправо, не опускаясь ниже 1.
// Используется для вычисления размеров мипов и LOD.
func (v Vec3) Shr(shift int) Vec3 {
	return Vec3{
		X: max(v.X>>shift, 1),
		Y: max(v.Y>>shift, 1),
		Z: max(v.Z>>shift, 1),
	}
}

// Volume возвращает количество ячеек в объёме с такими размерами
func (v Vec3) Volume() int {
	return v.X * v.Y * v.Z
}

// Contains проверяет, лежит ли ячейка внутри [0, v)
func (v Vec3) Contains(cell Vec3) bool {
	return cell.X >= 0 && cell.Y >= 0 && cell.Z >= 0 &&
		cell.X < v.X && cell.Y < v.Y && cell.Z < v.Z
}

// Equals проверяет равенство векторов
func (v Vec3) Equals(other Vec3) bool {
	return v.X == other.X && v.Y == other.Y && v.Z == other.Z
}
