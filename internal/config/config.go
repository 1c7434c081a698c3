package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/koios/hass-renderer/pkg/models"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Render    RenderConfig
	Telemetry TelemetryConfig
	MQTT      MQTTConfig
	Redis     RedisConfig
	Pages     []models.PageTarget
	LogLevel  string
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         int
	ReadTimeout  int
	WriteTimeout int
}

// BrowserConfig holds the shared Home Assistant browser session settings
type BrowserConfig struct {
	BaseURL                 string
	AccessToken             string
	Language                string
	RenderingTimeout        time.Duration
	IgnoreCertificateErrors bool
	ChromePath              string
	Debug                   bool
}

// RenderConfig holds scheduling and conversion settings
type RenderConfig struct {
	CronJob   string
	RealTime  bool
	Converter string // native, gm or imagemagick
}

// TelemetryConfig selects the sink device telemetry is published to
type TelemetryConfig struct {
	Sink            string // mqtt, redis or none
	DiscoveryPrefix string
	StatePrefix     string
}

// MQTTConfig holds MQTT broker configuration
type MQTTConfig struct {
	Server   string
	Username string
	Password string
}

// RedisConfig holds Redis-related configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (optional)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvAsInt("PORT", 5000),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 60),
		},
		Browser: BrowserConfig{
			BaseURL:                 getEnv("HA_BASE_URL", ""),
			AccessToken:             getEnv("HA_ACCESS_TOKEN", ""),
			Language:                getEnv("LANGUAGE", "en"),
			RenderingTimeout:        time.Duration(getEnvAsInt("RENDERING_TIMEOUT", 10000)) * time.Millisecond,
			IgnoreCertificateErrors: getEnvAsBool("UNSAFE_IGNORE_CERTIFICATE_ERRORS", false),
			ChromePath:              getEnv("CHROME_PATH", ""),
			Debug:                   getEnvAsBool("DEBUG", false),
		},
		Render: RenderConfig{
			CronJob:   getEnv("CRON_JOB", "* * * * *"),
			RealTime:  getEnvAsBool("REAL_TIME", false),
			Converter: getConverter(),
		},
		Telemetry: TelemetryConfig{
			Sink:            getEnv("TELEMETRY_SINK", ""),
			DiscoveryPrefix: getEnv("MQTT_DISCOVERY_PREFIX", "homeassistant"),
			StatePrefix:     getEnv("MQTT_STATE_PREFIX", "hass-renderer"),
		},
		MQTT: MQTTConfig{
			Server:   getEnv("MQTT_SERVER", ""),
			Username: getEnv("MQTT_USERNAME", ""),
			Password: getEnv("MQTT_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Addr:     getRedisAddr(),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.Telemetry.Sink == "" {
		cfg.Telemetry.Sink = "none"
		if cfg.MQTT.Server != "" {
			cfg.Telemetry.Sink = "mqtt"
		}
	}

	if cfg.Browser.BaseURL == "" {
		return nil, &models.ConfigError{Message: "HA_BASE_URL is required"}
	}

	if pagesFile := getEnv("PAGES_FILE", ""); pagesFile != "" {
		pages, err := models.LoadPagesFile(pagesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load pages: %w", err)
		}
		cfg.Pages = pages
	} else {
		cfg.Pages = loadPagesFromEnv()
	}

	return cfg, nil
}

// loadPagesFromEnv enumerates HA_SCREENSHOT_URL, HA_SCREENSHOT_URL_2, ...
// and stops at the first gap.
func loadPagesFromEnv() []models.PageTarget {
	var pages []models.PageTarget
	for i := 1; ; i++ {
		suffix := pageSuffix(i)
		sourcePath := os.Getenv("HA_SCREENSHOT_URL" + suffix)
		if sourcePath == "" {
			return pages
		}

		pages = append(pages, models.PageTarget{
			Index:       i,
			SourcePath:  sourcePath,
			OutputPath:  getEnv("OUTPUT_PATH"+suffix, models.DefaultOutputPath(i)),
			RenderDelay: time.Duration(getPageEnvAsInt("RENDERING_DELAY", suffix, 0)) * time.Millisecond,
			Viewport: models.Viewport{
				Width:  getPageEnvAsInt("RENDERING_SCREEN_WIDTH", suffix, models.DefaultViewportWidth),
				Height: getPageEnvAsInt("RENDERING_SCREEN_HEIGHT", suffix, models.DefaultViewportHeight),
			},
			RotationDegrees:    getPageEnvAsInt("ROTATION", suffix, 0),
			Scaling:            getPageEnvAsFloat("SCALING", suffix, models.DefaultScaling),
			ColorMode:          getPageEnv("COLOR_MODE", suffix, models.DefaultColorMode),
			GrayscaleDepth:     getPageEnvAsInt("GRAYSCALE_DEPTH", suffix, models.DefaultGrayscaleDepth),
			Dither:             getPageEnvAsBool("DITHER", suffix, false),
			PrefersColorScheme: getPageEnv("PREFERS_COLOR_SCHEME", suffix, models.DefaultPrefersColorScheme),
			FreshnessTTL:       time.Duration(getPageEnvAsInt("REAL_TIME_CACHE_SEC", suffix, int(models.DefaultFreshnessTTL/time.Second))) * time.Second,
		})
	}
}

// pageSuffix returns "" for the first page and "_N" for the others
func pageSuffix(index int) string {
	if index == 1 {
		return ""
	}
	return fmt.Sprintf("_%d", index)
}

// getPageEnv reads KEY_N, then the shared KEY, then the default
func getPageEnv(key, suffix, defaultValue string) string {
	if value := os.Getenv(key + suffix); value != "" {
		return value
	}
	return getEnv(key, defaultValue)
}

func getPageEnvAsInt(key, suffix string, defaultValue int) int {
	if value := getPageEnv(key, suffix, ""); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getPageEnvAsFloat(key, suffix string, defaultValue float64) float64 {
	if value := getPageEnv(key, suffix, ""); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getPageEnvAsBool(key, suffix string, defaultValue bool) bool {
	if value := getPageEnv(key, suffix, ""); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getConverter resolves CONVERTER, honouring the legacy USE_IMAGE_MAGICK flag
func getConverter() string {
	if converter := getEnv("CONVERTER", ""); converter != "" {
		return strings.ToLower(converter)
	}
	if getEnvAsBool("USE_IMAGE_MAGICK", false) {
		return "imagemagick"
	}
	return "native"
}

// getRedisAddr prefers REDIS_URL (with or without the redis:// scheme),
// then REDIS_ADDR, then localhost
func getRedisAddr() string {
	if url := os.Getenv("REDIS_URL"); url != "" {
		return strings.TrimPrefix(url, "redis://")
	}
	return getEnv("REDIS_ADDR", "localhost:6379")
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as int or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as bool or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
