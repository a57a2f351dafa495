package world

import (
	"sync"

	"github.com/annel0/voxel-terrain/internal/vec"
)

// ChunkStore отображение координат в чанки.
// Ключ — значение vec.Vec2, поэтому хеширование и сравнение выводятся автоматически.
type ChunkStore struct {
	mu     sync.RWMutex
	chunks map[vec.Vec2]*Chunk
}

// NewChunkStore создаёт пустое хранилище
func NewChunkStore() *ChunkStore {
	return &ChunkStore{chunks: make(map[vec.Vec2]*Chunk)}
}

// Get возвращает чанк или nil
func (s *ChunkStore) Get(coords vec.Vec2) *Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chunks[coords]
}

// GetOrCreate возвращает существующий чанк или сохраняет созданный create.
// created сообщает, что чанк появился в этом вызове.
func (s *ChunkStore) GetOrCreate(coords vec.Vec2, create func() (*Chunk, error)) (chunk *Chunk, created bool, err error) {
	if c := s.Get(coords); c != nil {
		return c, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.chunks[coords]; ok {
		return c, false, nil
	}
	c, err := create()
	if err != nil {
		return nil, false, err
	}
	s.chunks[coords] = c
	return c, true, nil
}

// Chunks снимок всех чанков в произвольном порядке
func (s *ChunkStore) Chunks() []*Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c)
	}
	return out
}

// Len количество чанков
func (s *ChunkStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Remove удаляет чанк из хранилища и возвращает его; освобождение объёма — забота вызывающего
func (s *ChunkStore) Remove(coords vec.Vec2) *Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chunks[coords]
	delete(s.chunks, coords)
	return c
}
