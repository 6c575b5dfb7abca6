package kafka

import (
	"strings"
	"time"

	"github.com/mohammed-shakir/editsync/internal/core/config"
)

type Driver string

const (
	DriverNone  Driver = "none"
	DriverKafka Driver = "kafka"
)

type RunnerConfig struct {
	Enabled bool
	Driver  Driver

	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool
	DedupeSize       int
}

// ConfigFrom fills consumer group timings around the process settings.
func ConfigFrom(c config.EditEventsCfg) RunnerConfig {
	driver := Driver(strings.ToLower(strings.TrimSpace(c.Driver)))
	if driver == "" {
		driver = DriverNone
	}
	topic := strings.TrimSpace(c.Topic)
	if topic == "" {
		topic = "feature-edits"
	}
	group := strings.TrimSpace(c.GroupID)
	if group == "" {
		group = "editsync"
	}
	return RunnerConfig{
		Enabled:          c.Enabled,
		Driver:           driver,
		Brokers:          split(c.Brokers),
		Topic:            topic,
		GroupID:          group,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		DedupeSize:       8192,
	}
}

func split(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
