package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации приложения.
type Config struct {
	World     WorldConfig     `yaml:"world"`
	Device    DeviceConfig    `yaml:"device"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	LogLevel  string          `yaml:"log_level"`
}

// WorldConfig параметры воксельного мира
type WorldConfig struct {
	Seed        int64   `yaml:"seed"`
	ChunkWidth  int     `yaml:"chunk_width"`  // ширина/глубина чанка в вокселях на LOD 0
	ChunkHeight int     `yaml:"chunk_height"` // высота чанка в вокселях на LOD 0
	VoxelScale  float32 `yaml:"voxel_scale"`  // размер вокселя в метрах
	LODCount    int     `yaml:"lod_count"`
	ViewRadius  int     `yaml:"view_radius"` // радиус квадратной окрестности подгрузки (в чанках)

	ShadowNeighborhood   int  `yaml:"shadow_neighborhood"`    // N для окрестности NxN
	ShadowSourceMip      int  `yaml:"shadow_source_mip"`      // во сколько раз (2^k) теневой объём грубее чанка
	ShadowMips           int  `yaml:"shadow_mips"`            // число мипов теневого объёма
	ShadowCompressHeight bool `yaml:"shadow_compress_height"` // сжимать ли высоту при даунсэмплинге

	Noise NoiseConfig `yaml:"noise"`
}

// NoiseConfig параметры шума Перлина для процедурной генерации
type NoiseConfig struct {
	Alpha   float64 `yaml:"alpha"`
	Beta    float64 `yaml:"beta"`
	Octaves int32   `yaml:"octaves"`
	Scale   float64 `yaml:"scale"` // масштаб мировых координат (в метрах) для шума
}

// DeviceConfig параметры программного вычислительного устройства
type DeviceConfig struct {
	Workers       int   `yaml:"workers"`
	WorkgroupSize int   `yaml:"workgroup_size"`
	MaxTextures   int   `yaml:"max_textures"`
	MaxBytes      int64 `yaml:"max_bytes"`
}

type ServerConfig struct {
	MetricsPort int `yaml:"metrics_port"`
	DebugPort   int `yaml:"debug_port"`
	FrameRate   int `yaml:"frame_rate"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"` // пусто — in-memory шина
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	Buffer    int    `yaml:"buffer"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		World: WorldConfig{
			Seed:                 1337,
			ChunkWidth:           128,
			ChunkHeight:          16,
			VoxelScale:           0.1,
			LODCount:             3,
			ViewRadius:           6,
			ShadowNeighborhood:   3,
			ShadowSourceMip:      1,
			ShadowMips:           3,
			ShadowCompressHeight: true,
			Noise: NoiseConfig{
				Alpha:   2.0,
				Beta:    2.0,
				Octaves: 3,
				Scale:   0.05,
			},
		},
		Device: DeviceConfig{
			Workers:       0, // 0 — runtime.NumCPU()
			WorkgroupSize: 4,
			MaxTextures:   0, // 0 — без ограничений
			MaxBytes:      0,
		},
		Server: ServerConfig{
			MetricsPort: 0,
			DebugPort:   0,
			FrameRate:   30,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "voxel-terrain",
		},
		EventBus: EventBusConfig{
			Stream:    "VOXEL",
			Retention: 24,
			Buffer:    1024,
		},
		LogLevel: "info",
	}
}

// GetMetricsPort возвращает порт Prometheus метрик с поддержкой fallback значений
func (s *ServerConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(s.MetricsPort, "VOXEL_METRICS_PORT", 2112)
}

// GetDebugPort возвращает порт отладочного HTTP API с поддержкой fallback значений
func (s *ServerConfig) GetDebugPort() int {
	return getPortWithEnvFallback(s.DebugPort, "VOXEL_DEBUG_PORT", 8089)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	return defaultPort
}

// Validate проверяет согласованность всей конфигурации
func (c *Config) Validate() error {
	errs := []error{c.World.Validate()}
	if c.Device.WorkgroupSize < 1 {
		errs = append(errs, fmt.Errorf("workgroup_size должен быть >= 1, получено %d", c.Device.WorkgroupSize))
	}
	return errors.Join(errs...)
}

// Validate проверяет согласованность параметров мира
func (w WorldConfig) Validate() error {
	var errs []error

	if !isPowerOfTwo(w.ChunkWidth) {
		errs = append(errs, fmt.Errorf("chunk_width должен быть степенью двойки, получено %d", w.ChunkWidth))
	}
	if !isPowerOfTwo(w.ChunkHeight) {
		errs = append(errs, fmt.Errorf("chunk_height должен быть степенью двойки, получено %d", w.ChunkHeight))
	}
	if w.VoxelScale <= 0 {
		errs = append(errs, fmt.Errorf("voxel_scale должен быть положительным, получено %v", w.VoxelScale))
	}
	if w.LODCount < 1 || w.LODCount > 8 {
		errs = append(errs, fmt.Errorf("lod_count вне диапазона 1..8: %d", w.LODCount))
	}
	if w.ViewRadius < 0 {
		errs = append(errs, fmt.Errorf("view_radius не может быть отрицательным: %d", w.ViewRadius))
	}
	if w.ShadowNeighborhood < 1 || w.ShadowNeighborhood%2 == 0 {
		errs = append(errs, fmt.Errorf("shadow_neighborhood должен быть нечётным и >= 1, получено %d", w.ShadowNeighborhood))
	}
	if w.ShadowSourceMip < 0 || w.ShadowSourceMip >= w.LODCount || w.ShadowMips < 1 {
		errs = append(errs, fmt.Errorf("некорректные параметры теневого объёма: source_mip=%d mips=%d", w.ShadowSourceMip, w.ShadowMips))
	}

	return errors.Join(errs...)
}

func isPowerOfTwo(v int) bool {
	return v > 0 && v&(v-1) == 0
}

// Load читает YAML файл конфигурации поверх значений по умолчанию.
// Если path == "", пытается прочитать путь из ENV VOXEL_CONFIG; иначе возвращает Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("VOXEL_CONFIG")
		if path == "" {
			return cfg, nil // конфиг не задан — использовать дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
