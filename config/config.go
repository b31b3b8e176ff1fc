package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds every runtime option of the gateway. All values come from the
// environment; a .env file in the working directory is honored when present.
type Config struct {
	MQTTPort int
	MQTTHost string

	APIPort int
	APIHost string

	ADSHost       string
	ADSPort       int
	ADSTargetIP   string
	ADSTargetPort int
	ADSSourcePort int

	CacheHost string
	CachePort int

	BufferSize  int
	DebugEvents bool

	DataDir string

	// Timeouts, alle konfigurierbar
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	CacheTimeout    time.Duration
	ShutdownGrace   time.Duration
	RetentionDays   int
	MetricsInterval time.Duration
}

// Load reads the configuration from the environment, applying defaults for
// everything that is not set.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		logrus.Info("CONFIG: loaded .env file")
	}

	return &Config{
		MQTTPort: envInt("MQTT_PORT", 1883),
		MQTTHost: envString("MQTT_HOST", "0.0.0.0"),

		APIPort: envInt("API_PORT", 8080),
		APIHost: envString("API_HOST", "0.0.0.0"),

		ADSHost:       envString("ADS_HOST", "localhost"),
		ADSPort:       envInt("ADS_PORT", 48898),
		ADSTargetIP:   envString("ADS_TARGET_IP", "127.0.0.1"),
		ADSTargetPort: envInt("ADS_TARGET_PORT", 801),
		ADSSourcePort: envInt("ADS_SOURCE_PORT", 32750),

		CacheHost: envString("CACHE_HOST", "localhost"),
		CachePort: envInt("CACHE_PORT", 6379),

		BufferSize:  envInt("BUFFER_SIZE", 10000),
		DebugEvents: envBool("DEBUG_EVENTS", false),

		DataDir: envString("DATA_DIR", "./data"),

		ConnectTimeout:  envDuration("CONNECT_TIMEOUT", 5*time.Second),
		RequestTimeout:  envDuration("REQUEST_TIMEOUT", 2*time.Second),
		CacheTimeout:    envDuration("CACHE_TIMEOUT", 3*time.Second),
		ShutdownGrace:   envDuration("SHUTDOWN_GRACE", 10*time.Second),
		RetentionDays:   envInt("RETENTION_DAYS", 30),
		MetricsInterval: envDuration("METRICS_INTERVAL", 10*time.Second),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.Warnf("CONFIG: invalid value %q for %s, using %d", v, key, fallback)
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logrus.Warnf("CONFIG: invalid value %q for %s, using %v", v, key, fallback)
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.Warnf("CONFIG: invalid value %q for %s, using %s", v, key, fallback)
		return fallback
	}
	return d
}
