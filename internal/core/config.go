package core

import (
	"fmt"
	"log"
	"net/netip"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Default proxy IP ranges: the two reserved address ranges clients draw
// synthetic proxy IPs from when referring to a resolved DNS-resource
// domain.
var (
	DefaultProxyIPv4Range = netip.MustParsePrefix("100.96.0.0/11")
	DefaultProxyIPv6Range = netip.MustParsePrefix("fd00:2021:1111:8000::/107")
)

// LocalDNSPort is the fixed port the local DNS server binds on each of the
// gateway's tunnel IPs.
const LocalDNSPort = 53535

// IpConfig is a pair of host addresses assigned to one endpoint's tunnel
// interface. Both the gateway itself and every connected client have one.
type IpConfig struct {
	V4 netip.Addr
	V6 netip.Addr
}

// IsValid reports whether at least one address family is set.
func (c IpConfig) IsValid() bool { return c.V4.IsValid() || c.V6.IsValid() }

// Config is the top-level gateway daemon configuration.
type Config struct {
	GatewayID      string    `yaml:"gateway_id,omitempty"`
	SignalingURL   string    `yaml:"signaling_url"`
	SignalingToken string    `yaml:"signaling_token,omitempty"`
	TunInterface   string    `yaml:"tun_interface,omitempty"`
	TunMTU         int       `yaml:"tun_mtu,omitempty"`
	BindAddrV4     string    `yaml:"bind_addr_v4,omitempty"`
	BindAddrV6     string    `yaml:"bind_addr_v6,omitempty"`
	LocalDNSPort   int       `yaml:"local_dns_port,omitempty"`
	Nameservers    []string  `yaml:"nameservers,omitempty"`
	ProxyIPv4Range string    `yaml:"proxy_ipv4_range,omitempty"`
	ProxyIPv6Range string    `yaml:"proxy_ipv6_range,omitempty"`
	Log            LogConfig `yaml:"log,omitempty"`
}

// DefaultTunMTU is used when the config omits tun_mtu.
const DefaultTunMTU = 1280

// ConfigManager handles loading, saving and hot-reloading configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager reading from filePath.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{filePath: filePath, bus: bus}
}

func defaultConfig() Config {
	return Config{
		TunInterface:   "wg-gateway",
		TunMTU:         DefaultTunMTU,
		BindAddrV4:     "0.0.0.0:51820",
		BindAddrV6:     "[::]:51820",
		LocalDNSPort:   LocalDNSPort,
		Nameservers:    []string{"1.1.1.1:53", "8.8.8.8:53"},
		ProxyIPv4Range: DefaultProxyIPv4Range.String(),
		ProxyIPv6Range: DefaultProxyIPv6Range.String(),
	}
}

// Load reads and parses the configuration from disk, creating a default
// file if none exists.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[Core] config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Core] create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Core] read config %s: %w", cm.filePath, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Core] parse config: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] marshal config: %w", err)
	}
	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Core] write config %s: %w", cm.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ProxyRanges parses the configured proxy IP ranges, falling back to the
// package defaults on empty or invalid values.
func (c Config) ProxyRanges() (v4, v6 netip.Prefix) {
	v4, err := netip.ParsePrefix(c.ProxyIPv4Range)
	if err != nil {
		v4 = DefaultProxyIPv4Range
	}
	v6, err = netip.ParsePrefix(c.ProxyIPv6Range)
	if err != nil {
		v6 = DefaultProxyIPv6Range
	}
	return v4, v6
}
