package voxel

import (
	"fmt"
)

const (
	// PaletteSize количество материалов в строке палитры
	PaletteSize = 256
	// PaletteRows количество строк палитры
	PaletteRows = 16
)

// Строки палитры, заполняемые по умолчанию
const (
	RowDefault   = 0
	RowHeightmap = 1
)

// Color упакованный цвет RGBA8
type Color uint32

// RGBA собирает цвет из компонент
func RGBA(r, g, b, a uint8) Color {
	return Color(r)<<24 | Color(g)<<16 | Color(b)<<8 | Color(a)
}

// Components раскладывает цвет на компоненты
func (c Color) Components() (r, g, b, a uint8) {
	return uint8(c >> 24), uint8(c >> 16), uint8(c >> 8), uint8(c)
}

func (c Color) String() string {
	return fmt.Sprintf("#%08x", uint32(c))
}

// Palette таблица цветов материалов: строка выбирается тегом чанка, столбец — индексом материала
type Palette struct {
	rows [PaletteRows][PaletteSize]Color
}

// NewPalette создаёт палитру со строками по умолчанию и для карты высот
func NewPalette() *Palette {
	p := &Palette{}
	for i := 1; i < PaletteSize; i++ {
		// строка по умолчанию: земля к траве с ростом индекса
		t := float32(i) / PaletteSize
		p.rows[RowDefault][i] = RGBA(uint8(120-80*t), uint8(80+140*t), uint8(40+20*t), 255)

		v := uint8(i)
		p.rows[RowHeightmap][i] = RGBA(v, v, v, 255)
	}
	return p
}

// Set задаёт цвет материала в строке
func (p *Palette) Set(row int, material uint8, c Color) error {
	if row < 0 || row >= PaletteRows {
		return fmt.Errorf("%w: palette row %d", ErrOutOfRange, row)
	}
	p.rows[row][material] = c
	return nil
}

// Color цвет материала; материал 0 и неизвестные строки прозрачны
func (p *Palette) Color(row int, material uint8) Color {
	if row < 0 || row >= PaletteRows || material == Empty {
		return 0
	}
	return p.rows[row][material]
}
