package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriterLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger("world", &buf, INFO)

	logger.Debug("скрытое сообщение")
	logger.Info("chunk(%d,%d) готов", 1, 2)
	logger.Error("ошибка %s", "генерации")

	out := buf.String()
	assert.NotContains(t, out, "скрытое сообщение")
	assert.Contains(t, out, "[INFO] [world] chunk(1,2) готов")
	assert.Contains(t, out, "[ERROR] [world] ошибка генерации")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestNilLoggerIsSilent(t *testing.T) {
	var logger *Logger
	assert.NotPanics(t, func() {
		logger.Info("ничего не произойдёт")
	})

	SetDefaultLogger(nil)
	assert.NotPanics(t, func() {
		Info("глобальный логгер не инициализирован")
	})
}

func TestManagerReturnsRegisteredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger("compute", &buf, TRACE)
	GetLoggerManager().Register("compute", logger)

	assert.Same(t, logger, GetComputeLogger())
	assert.NoError(t, GetLoggerManager().SetLogLevel("compute", WARN, ERROR))

	logger.Info("не должно попасть в вывод")
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARN"))
	assert.Equal(t, INFO, ParseLevel("unknown"))
}
