package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// projectConfig 保存从 setting.json 读取的顶层配置。
type projectConfig struct {
	Log  log   `json:"log"`
	Quic *Quic `json:"quic"`
}

type log struct {
	Level   string `json:"level"`
	Path    string `json:"path"`
	Version string `json:"version"`
	Date    string `json:"date"`
}

// Quic 描述单条连接的传输参数与派发器行为。
type Quic struct {
	// InitialMaxStreamsBidi is the bidi stream credit granted to the peer.
	InitialMaxStreamsBidi uint64 `json:"initial_max_streams_bidi"`
	// MaxIdleTimeoutMs closes the connection after this long without input.
	MaxIdleTimeoutMs uint64 `json:"max_idle_timeout_ms"`
	// MaxDrainLifetimeSec bounds how long a locally finished stream may wait
	// for the remote FIN before it is hard reset.
	MaxDrainLifetimeSec uint64 `json:"max_drain_lifetime_sec"`
	// PacketSize is the maximum datagram payload produced per send.
	PacketSize int `json:"packet_size"`
}

// GlobalCfg 指向全局生效的配置对象。
var GlobalCfg *projectConfig

func init() {
	GlobalCfg = defaultConfig()

	// 支持通过环境变量覆盖配置文件路径
	path := os.Getenv("QSOCK_CONFIG")
	if path == "" {
		return
	}
	if err := Reload(path); err != nil {
		fmt.Printf("failed to load %s: %s\n", path, err.Error())
	}
}

func defaultConfig() *projectConfig {
	return &projectConfig{
		Log: log{Level: "info"},
		Quic: &Quic{
			InitialMaxStreamsBidi: 100,
			MaxIdleTimeoutMs:      30000,
			MaxDrainLifetimeSec:   30,
			PacketSize:            1350,
		},
	}
}

// Reload 从指定路径重载配置，并执行默认值填充与校验。
func Reload(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg := defaultConfig()
	if err := json.Unmarshal(buf, cfg); err != nil {
		return err
	}
	if err := cfg.Quic.Verify(); err != nil {
		return err
	}
	GlobalCfg = cfg
	return nil
}

// Verify 校验传输参数，并在需要时填充默认值。
func (c *Quic) Verify() error {
	if c.InitialMaxStreamsBidi == 0 {
		return fmt.Errorf("initial_max_streams_bidi must be positive")
	}
	if c.MaxIdleTimeoutMs == 0 {
		c.MaxIdleTimeoutMs = 30000
	}
	if c.MaxDrainLifetimeSec == 0 {
		c.MaxDrainLifetimeSec = 30
	}
	if c.PacketSize == 0 {
		c.PacketSize = 1350
	}
	if c.PacketSize < 1200 {
		return fmt.Errorf("packet_size below minimum datagram size: %d", c.PacketSize)
	}
	return nil
}

// MaxIdleTimeout returns the idle timeout as a duration.
func (c *Quic) MaxIdleTimeout() time.Duration {
	return time.Duration(c.MaxIdleTimeoutMs) * time.Millisecond
}

// MaxDrainLifetime returns the closing stream drain bound as a duration.
func (c *Quic) MaxDrainLifetime() time.Duration {
	return time.Duration(c.MaxDrainLifetimeSec) * time.Second
}
