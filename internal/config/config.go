// Package config loads the someipd runtime's JSON configuration document
// (spec §6's environment-configuration table). Config-file parsing itself is
// an explicit spec Non-goal ("configuration parsing (JSON)" is named as an
// external collaborator), so this loader is intentionally minimal: stdlib
// encoding/json over a small value struct, not a validating config system.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/someipd/someipd/internal/discovery"
	"github.com/someipd/someipd/internal/routing"
	"github.com/someipd/someipd/internal/transport"
)

// Config is the resolved configuration object the routing manager consumes
// (spec §6). JSON field names match the snake_case option names spec §6
// names directly.
type Config struct {
	CheckCredentials bool `json:"check_credentials"`
	AuditMode        bool `json:"audit_mode"`

	MaxMessageSizeReliable   uint32 `json:"max_message_size_reliable"`
	MaxMessageSizeUnreliable uint32 `json:"max_message_size_unreliable"`
	MaxTPSize                int    `json:"max_tp_size"`

	QueueSizeLimitGeneral int `json:"queue_size_limit_general"`

	// BufferShrinkThreshold bounds the number of idle receive cycles before
	// an endpoint's pooled buffer is released back to the allocator (spec
	// §6 buffer_shrink_threshold). Parsed here for forward compatibility;
	// internal/transport's buffer pool does not yet consult it (see
	// DESIGN.md).
	BufferShrinkThreshold int `json:"buffer_shrink_threshold"`

	SD SDConfig `json:"sd"`

	RoutingStateInitial string `json:"routing_state_initial"`

	// Listen carries the daemon's bind addresses. None of this is part of
	// spec §6's option table (the wire/registry/discovery layers are
	// transport-address agnostic); it exists so cmd/someipd has somewhere
	// to read them from instead of hardcoding ports.
	Listen ListenConfig `json:"listen"`
}

// ListenConfig names the sockets the routing manager binds at startup.
type ListenConfig struct {
	// Unix is the local IPC socket path applications dial (spec §4.3).
	Unix string `json:"unix"`

	// TCP is the shared reliable endpoint's bind address ("host:port").
	TCP string `json:"tcp"`

	// UDP is the shared unreliable endpoint's bind address ("host:port").
	UDP string `json:"udp"`

	// SDMulticast overrides discovery.Config's group:port when non-empty;
	// left empty it falls back to DiscoveryConfig()'s MulticastGroup/Port.
	SDMulticast string `json:"sd_multicast"`
}

// SDConfig mirrors spec §6's sd.* option group.
type SDConfig struct {
	InitialDelayMinMS      int64 `json:"initial_delay_min_ms"`
	InitialDelayMaxMS      int64 `json:"initial_delay_max_ms"`
	RepetitionsMax         int   `json:"repetitions_max"`
	RepetitionsBaseDelayMS int64 `json:"repetitions_base_delay_ms"`
	CyclicOfferDelayMS     int64 `json:"cyclic_offer_delay_ms"`
	RequestResponseDelayMS int64 `json:"request_response_delay_ms"`
}

// Default returns the configuration in effect when no document is loaded:
// spec §6's implied defaults (permit-all policy, AUTOSAR-typical SD timing,
// RUNNING initial routing state).
func Default() Config {
	sd := discovery.DefaultConfig()
	return Config{
		MaxMessageSizeReliable:   4095 + 16,
		MaxMessageSizeUnreliable: 1400,
		MaxTPSize:                1 << 20,
		QueueSizeLimitGeneral:    1 << 20,
		SD: SDConfig{
			InitialDelayMinMS:      sd.InitialDelayMin.Milliseconds(),
			InitialDelayMaxMS:      sd.InitialDelayMax.Milliseconds(),
			RepetitionsMax:         sd.RepetitionsMax,
			RepetitionsBaseDelayMS: sd.RepetitionsBaseDelay.Milliseconds(),
			CyclicOfferDelayMS:     sd.CyclicOfferDelay.Milliseconds(),
			RequestResponseDelayMS: sd.RequestResponseDelay.Milliseconds(),
		},
		RoutingStateInitial: "RUNNING",
		Listen: ListenConfig{
			Unix: "/run/someipd/routing",
			TCP:  ":30509",
			UDP:  ":30509",
		},
	}
}

// Load reads and parses a JSON configuration document from r, starting from
// Default() and overwriting only the fields present in the document.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := json.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// LoadFile opens path and parses it as a JSON configuration document.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// DiscoveryConfig projects the sd.* fields into an internal/discovery.Config.
func (c Config) DiscoveryConfig() discovery.Config {
	def := discovery.DefaultConfig()
	d := discovery.Config{
		MulticastGroup:       def.MulticastGroup,
		MulticastPort:        def.MulticastPort,
		InitialDelayMin:      time.Duration(c.SD.InitialDelayMinMS) * time.Millisecond,
		InitialDelayMax:      time.Duration(c.SD.InitialDelayMaxMS) * time.Millisecond,
		RepetitionsMax:       c.SD.RepetitionsMax,
		RepetitionsBaseDelay: time.Duration(c.SD.RepetitionsBaseDelayMS) * time.Millisecond,
		CyclicOfferDelay:     time.Duration(c.SD.CyclicOfferDelayMS) * time.Millisecond,
		RequestResponseDelay: time.Duration(c.SD.RequestResponseDelayMS) * time.Millisecond,
	}
	return d
}

// SDMulticastAddr returns the "host:port" the SD engine's multicast socket
// should join, honoring Listen.SDMulticast when set and otherwise falling
// back to discovery.DefaultConfig's multicast group/port (the sd.* options
// carry no group or port of their own).
func (c Config) SDMulticastAddr() string {
	if c.Listen.SDMulticast != "" {
		return c.Listen.SDMulticast
	}
	d := c.DiscoveryConfig()
	return fmt.Sprintf("%s:%d", d.MulticastGroup, d.MulticastPort)
}

// QueueLimits projects queue_size_limit_general into a transport.QueueLimits.
func (c Config) QueueLimits() transport.QueueLimits {
	return transport.NewQueueLimits(c.QueueSizeLimitGeneral)
}

// RoutingState parses RoutingStateInitial into a routing.State, defaulting
// to RUNNING on an empty or unrecognized value.
func (c Config) RoutingState() routing.State {
	s, ok := routing.ParseState(c.RoutingStateInitial)
	if !ok {
		return routing.StateRunning
	}
	return s
}
