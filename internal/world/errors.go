package world

import (
	"errors"
	"fmt"

	"github.com/annel0/voxel-terrain/internal/vec"
)

// ErrGenerationFailed ядро заполнения не удалось запустить или выполнить.
// Чанк остаётся без этого уровня до следующего явного запроса.
var ErrGenerationFailed = errors.New("world: chunk generation failed")

// GenerationError ошибка генерации конкретного уровня чанка
type GenerationError struct {
	Coords vec.Vec2
	LOD    LOD
	Err    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate chunk (%d,%d) lod %d: %v", e.Coords.X, e.Coords.Y, e.LOD, e.Err)
}

// Unwrap позволяет errors.Is находить и ErrGenerationFailed, и причину
func (e *GenerationError) Unwrap() []error {
	return []error{ErrGenerationFailed, e.Err}
}
