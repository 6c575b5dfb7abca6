package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type EditEventsCfg struct {
	Enabled bool
	Driver  string
	Topic   string
	Brokers string
	GroupID string
}

type Config struct {
	Addr              string
	LogLevel          string
	LogConsole        bool
	LogSampleN        int
	FeatureServiceURL string
	EditConfigPath    string
	RedisEnabled      bool
	RedisAddr         string
	RedisOpTimeout    time.Duration
	RedisDialTimeout  time.Duration
	RedisPoolSize     int
	RedisMinIdle      int
	MirrorTTL         time.Duration
	CatalogDebounce   time.Duration
	SelectionCooldown time.Duration
	GeometryWait      time.Duration
	LookupTimeout     time.Duration
	FeatureCacheSize  int
	ZoneCacheSize     int
	ZoneCellRes       int
	MetricsEnabled    bool
	EditEvents        EditEventsCfg
}

func FromEnv() Config {
	res := getint("ZONE_CELL_RES", 9)
	if res < 0 || res > 15 {
		res = 9
	}

	return Config{
		Addr:              getenv("ADDR", ":8090"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogConsole:        getbool("LOG_CONSOLE", false),
		LogSampleN:        getint("LOG_SAMPLE_N", 0),
		FeatureServiceURL: getenv("FEATURE_SERVICE_URL", "http://localhost:8080/geoserver"),
		EditConfigPath:    getenv("EDIT_CONFIG_PATH", ""),
		RedisEnabled:      getbool("REDIS_ENABLED", false),
		RedisAddr:         getenv("REDIS_ADDR", "localhost:6379"),
		RedisOpTimeout:    getduration("REDIS_OP_TIMEOUT", 250*time.Millisecond),
		RedisDialTimeout:  getduration("REDIS_DIAL_TIMEOUT", 2*time.Second),
		RedisPoolSize:     getint("REDIS_POOL_SIZE", 32),
		RedisMinIdle:      getint("REDIS_MIN_IDLE_CONNS", 4),
		MirrorTTL:         getduration("MIRROR_TTL", 10*time.Minute),
		CatalogDebounce:   getduration("CATALOG_DEBOUNCE", 5*time.Second),
		SelectionCooldown: getduration("SELECTION_COOLDOWN", 50*time.Millisecond),
		GeometryWait:      getduration("GEOMETRY_WAIT_TIMEOUT", 5*time.Second),
		LookupTimeout:     getduration("LOOKUP_TIMEOUT", 3*time.Second),
		FeatureCacheSize:  getint("FEATURE_CACHE_SIZE", 512),
		ZoneCacheSize:     getint("ZONE_CACHE_SIZE", 4096),
		ZoneCellRes:       res,
		MetricsEnabled:    getbool("METRICS_ENABLED", true),
		EditEvents: EditEventsCfg{
			Enabled: getbool("EDIT_EVENTS_ENABLED", false),
			Driver:  getenv("EDIT_EVENTS_DRIVER", "none"),
			Topic:   getenv("KAFKA_TOPIC", "feature-edits"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "editsync"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
