// internal/config/policy.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the optional static realtime policy loaded from a YAML file.
// Unset fields keep the value coming from the environment.
type Policy struct {
	Calls struct {
		RingTimeout   string `yaml:"ring_timeout"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"calls"`
	Transport struct {
		SendBuffer     *int     `yaml:"send_buffer"`
		MaxMessageSize *int64   `yaml:"max_message_size"`
		PingInterval   string   `yaml:"ping_interval"`
		PongWait       string   `yaml:"pong_wait"`
		WriteWait      string   `yaml:"write_wait"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"transport"`
	EventsChannel string `yaml:"events_channel"`
}

func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read realtime policy: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse realtime policy: %w", err)
	}

	durations := map[string]string{
		"calls.ring_timeout":      p.Calls.RingTimeout,
		"calls.sweep_interval":    p.Calls.SweepInterval,
		"transport.ping_interval": p.Transport.PingInterval,
		"transport.pong_wait":     p.Transport.PongWait,
		"transport.write_wait":    p.Transport.WriteWait,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return nil, fmt.Errorf("invalid realtime policy %s: %w", field, err)
		}
	}

	return &p, nil
}

// Apply overlays the policy onto rc. Durations were checked by LoadPolicy.
func (p *Policy) Apply(rc *RealtimeConfig) {
	rc.RingTimeout = parseDuration(p.Calls.RingTimeout, rc.RingTimeout)
	rc.SweepInterval = parseDuration(p.Calls.SweepInterval, rc.SweepInterval)
	rc.PingInterval = parseDuration(p.Transport.PingInterval, rc.PingInterval)
	rc.PongWait = parseDuration(p.Transport.PongWait, rc.PongWait)
	rc.WriteWait = parseDuration(p.Transport.WriteWait, rc.WriteWait)

	if p.Transport.SendBuffer != nil && *p.Transport.SendBuffer > 0 {
		rc.SendBuffer = *p.Transport.SendBuffer
	}
	if p.Transport.MaxMessageSize != nil && *p.Transport.MaxMessageSize > 0 {
		rc.MaxMessageSize = *p.Transport.MaxMessageSize
	}
	if len(p.Transport.AllowedOrigins) > 0 {
		rc.AllowedOrigins = append([]string(nil), p.Transport.AllowedOrigins...)
	}
	if p.EventsChannel != "" {
		rc.EventsChannel = p.EventsChannel
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}

	return d
}
