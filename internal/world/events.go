package world

// EventSource источник событий мира на шине
const EventSource = "world"

// Типы событий жизненного цикла чанков и теневого объёма
const (
	EventChunkGenerated = "chunk.generated"
	EventChunkFailed    = "chunk.failed"
	EventShadowRebuilt  = "shadow.rebuilt"
)

// ChunkGeneratedEvent уровень чанка сгенерирован и отделён барьером
type ChunkGeneratedEvent struct {
	X        int     `json:"x"`
	Y        int     `json:"y"`
	LOD      int     `json:"lod"`
	Dims     [3]int  `json:"dims"`
	Millis   float64 `json:"millis"`
	Created  bool    `json:"created"`
	Resident uint64  `json:"handle"`
}

// ChunkFailedEvent генерация уровня не удалась
type ChunkFailedEvent struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	LOD   int    `json:"lod"`
	Error string `json:"error"`
}

// ShadowRebuiltEvent теневой объём пересобран вокруг фокуса
type ShadowRebuiltEvent struct {
	FocusX  int     `json:"focus_x"`
	FocusY  int     `json:"focus_y"`
	Slots   int     `json:"slots"`
	Present int     `json:"present"`
	Millis  float64 `json:"millis"`
}
