// Package hiveconfig loads the monitor's static configuration: rack layout
// constants, filesystem paths, timeouts, and the backing-store connection
// used by the CS config-store implementation.
package hiveconfig

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Hive monitor configuration
// =============================================================================

// Config is the full monitor configuration tree, decoded from YAML and then
// overlaid with environment variable overrides.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Rack      RackConfig      `yaml:"rack"`
	Paths     PathsConfig     `yaml:"paths"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Store     StoreConfig     `yaml:"store"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Toolchain ToolchainConfig `yaml:"toolchain"`
}

// ServerConfig configures the admission HTTP server (TM) that accepts
// (binary, options) uploads and promotes tickets to websocket connections.
type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"` // "development" or "production"; selects the slog handler
	Interface       string `yaml:"interface"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// RackConfig pins the hardware constants from spec §6.
type RackConfig struct {
	MaxShields          int    `yaml:"max_shields"`
	MaxTargetsPerShield int    `yaml:"max_targets_per_shield"`
	MaxChannels         int    `yaml:"max_channels"`
	ExpanderBaseAddr    uint16 `yaml:"expander_base_addr"` // 0x20
	ProbeSpeedHz        uint32 `yaml:"probe_speed_hz"`     // 8000
	CrossbarRetryCount  int    `yaml:"crossbar_retry_count"`
	CrossbarRetryDelay  int    `yaml:"crossbar_retry_delay_ms"`
	I2CBus              string `yaml:"i2c_bus"` // e.g. "/dev/i2c-1"
}

// PathsConfig is the filesystem layout pinned in spec §6.
type PathsConfig struct {
	RunnerBinary    string `yaml:"runner_binary"`    // ./data/runner/runner
	IPCSocket       string `yaml:"ipc_socket"`       // ./data/runner/ipc_sock
	SeccompProfile  string `yaml:"seccomp_profile"`  // ./data/seccomp/runner_seccomp.bpf
	TestprogramsDir string `yaml:"testprograms_dir"` // ./data/testprograms
	LogsDir         string `yaml:"logs_dir"`         // ./data/logs
	DBPath          string `yaml:"db_path"`          // ./data/db
	RunnerDir       string `yaml:"runner_dir"`       // ./data/runner
}

// TimeoutsConfig pins the durations named throughout spec §5 and §7.
type TimeoutsConfig struct {
	WSConnectTimeoutSecs   int `yaml:"ws_connect_timeout_secs"`   // default 30
	RunnerBinaryTimeoutSec int `yaml:"runner_binary_timeout_sec"` // default 300
	TestQueueCapacity      int `yaml:"test_queue_capacity"`       // default 10
	ResultChannelCapacity  int `yaml:"result_channel_capacity"`   // default 5
}

// StoreConfig configures the CS backing implementation.
type StoreConfig struct {
	Backend      string `yaml:"backend"` // "redis" or "memory"
	RedisAddr    string `yaml:"redis_addr"`
	RedisDB      int    `yaml:"redis_db"`
	FlushEveryMs int    `yaml:"flush_every_ms"`
}

// SandboxConfig configures the runner's namespace+seccomp sandbox (§4.5).
type SandboxConfig struct {
	Image           string   `yaml:"image"`
	SeccompProfile  string   `yaml:"seccomp_profile"`
	UID             int      `yaml:"uid"`
	GID             int      `yaml:"gid"`
	ReadOnlyBinds   []string `yaml:"read_only_binds"`
	ReadWriteBinds  []string `yaml:"read_write_binds"`
	DeviceBinds     []string `yaml:"device_binds"` // I2C device node, USB bus entries
	NetworkDisabled bool     `yaml:"network_disabled"`
}

// ToolchainConfig pins the external assembler/linker invocations (§4.2, §6).
type ToolchainConfig struct {
	ArmAssembler   string `yaml:"arm_assembler"`
	ArmLinker      string `yaml:"arm_linker"`
	RiscvAssembler string `yaml:"riscv_assembler"`
	RiscvLinker    string `yaml:"riscv_linker"`
}

// Default returns a Config populated with the defaults named throughout
// spec.md, suitable for tests and for a rack with no config.yaml present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Env:             "development",
			Interface:       "0.0.0.0",
			ReadTimeoutSec:  15,
			WriteTimeoutSec: 15,
			IdleTimeoutSec:  60,
			ShutdownTimeout: 10,
		},
		Rack: RackConfig{
			MaxShields:          8,
			MaxTargetsPerShield: 4,
			MaxChannels:         4,
			ExpanderBaseAddr:    0x20,
			ProbeSpeedHz:        8000,
			CrossbarRetryCount:  3,
			CrossbarRetryDelay:  10,
			I2CBus:              "/dev/i2c-1",
		},
		Paths: PathsConfig{
			RunnerBinary:    "./data/runner/runner",
			IPCSocket:       "./data/runner/ipc_sock",
			SeccompProfile:  "./data/seccomp/runner_seccomp.bpf",
			TestprogramsDir: "./data/testprograms",
			LogsDir:         "./data/logs",
			DBPath:          "./data/db",
			RunnerDir:       "./data/runner",
		},
		Timeouts: TimeoutsConfig{
			WSConnectTimeoutSecs:   30,
			RunnerBinaryTimeoutSec: 300,
			TestQueueCapacity:      10,
			ResultChannelCapacity:  5,
		},
		Store: StoreConfig{
			Backend:      "memory",
			RedisAddr:    "localhost:6379",
			RedisDB:      0,
			FlushEveryMs: 1000,
		},
		Sandbox: SandboxConfig{
			Image:           "hive-runner-sandbox:latest",
			SeccompProfile:  "./data/seccomp/runner_seccomp.bpf",
			UID:             1000,
			GID:             1000,
			NetworkDisabled: true,
		},
		Toolchain: ToolchainConfig{
			ArmAssembler:   "arm-none-eabi-as",
			ArmLinker:      "arm-none-eabi-ld",
			RiscvAssembler: "riscv-none-embed-as",
			RiscvLinker:    "riscv-none-embed-ld",
		},
	}
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config, loading CONFIG_PATH (or
// ./config.yaml) on first call and falling back to Default() if absent.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("hiveconfig: failed to load config file, using defaults", "error", err)
			cfg = Default()
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and decodes a YAML config file, starting from Default()
// so unset fields keep sane values.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides overlays environment variables on top of the decoded
// config, following the same precedence the teacher's backend uses: env
// wins over file, file wins over Default().
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("HIVE_PORT", c.Server.Port)
	c.Server.Env = getEnv("HIVE_ENV", c.Server.Env)
	c.Paths.RunnerBinary = getEnv("HIVE_RUNNER_BINARY", c.Paths.RunnerBinary)
	c.Paths.IPCSocket = getEnv("HIVE_IPC_SOCKET", c.Paths.IPCSocket)
	c.Paths.DBPath = getEnv("HIVE_DB_PATH", c.Paths.DBPath)
	c.Store.RedisAddr = getEnv("HIVE_REDIS_ADDR", c.Store.RedisAddr)
	c.Store.Backend = getEnv("HIVE_STORE_BACKEND", c.Store.Backend)

	if v := getEnvInt("HIVE_RUNNER_TIMEOUT_SEC", 0); v > 0 {
		c.Timeouts.RunnerBinaryTimeoutSec = v
	}
	if v := getEnvInt("HIVE_WS_CONNECT_TIMEOUT_SECS", 0); v > 0 {
		c.Timeouts.WSConnectTimeoutSecs = v
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
