package mcb

// BridgeSeasoning represents the configuration values for the whole bridge.
type BridgeSeasoning struct {
	ApplicationName string                   `json:"ApplicationName" yaml:"ApplicationName"`
	ServerConfigs   map[string]*ServerConfig `json:"ServerConfigs" yaml:"ServerConfigs"`
	MonitorConfig   *MonitorConfig           `json:"MonitorConfig" yaml:"MonitorConfig"`
	BreakerConfig   *BreakerConfig           `json:"BreakerConfig" yaml:"BreakerConfig"`
	LifecycleConfig *LifecycleConfig         `json:"LifecycleConfig" yaml:"LifecycleConfig"`
	EventConfig     *EventConfig             `json:"EventConfig" yaml:"EventConfig"`
}

// ServerConfig represents settings for one remote tool server. Immutable after configuration.
type ServerConfig struct {
	Name               string `json:"Name" yaml:"Name"`
	Endpoint           string `json:"Endpoint" yaml:"Endpoint"`
	MaxConnectionCount uint64 `json:"MaxConnectionCount" yaml:"MaxConnectionCount"` // number of connections permitted per server
	ConnectionTimeout  uint32 `json:"ConnectionTimeout" yaml:"ConnectionTimeout"`   // seconds to establish a connection
	RequestTimeout     uint32 `json:"RequestTimeout" yaml:"RequestTimeout"`         // milliseconds per remote call
	AcquireTimeout     uint32 `json:"AcquireTimeout" yaml:"AcquireTimeout"`         // milliseconds a caller waits on an exhausted pool
}

// MonitorConfig represents settings for the background health monitoring loop.
type MonitorConfig struct {
	HealthCheckInterval uint32 `json:"HealthCheckInterval" yaml:"HealthCheckInterval"` // milliseconds between probe rounds
	ProbeTimeout        uint32 `json:"ProbeTimeout" yaml:"ProbeTimeout"`               // milliseconds per probe, shorter than RequestTimeout
	UnhealthyThreshold  uint32 `json:"UnhealthyThreshold" yaml:"UnhealthyThreshold"`   // consecutive failures before a server flips unhealthy
}

// BreakerConfig represents settings shared by every server's circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32 `json:"FailureThreshold" yaml:"FailureThreshold"` // consecutive failures before the breaker opens
	RecoveryTimeout  uint32 `json:"RecoveryTimeout" yaml:"RecoveryTimeout"`   // milliseconds open before a half-open probe is permitted
}

// LifecycleConfig represents the agent refresh policy. Immutable after configuration.
type LifecycleConfig struct {
	MaxAgeHours          uint32 `json:"MaxAgeHours" yaml:"MaxAgeHours"`
	MaxRequests          uint64 `json:"MaxRequests" yaml:"MaxRequests"`
	MaxConsecutiveErrors uint64 `json:"MaxConsecutiveErrors" yaml:"MaxConsecutiveErrors"`
	MaxTurns             uint32 `json:"MaxTurns" yaml:"MaxTurns"` // tool-use turns per query
}

// EventConfig represents settings for the file-backed event sink.
type EventConfig struct {
	Enabled           bool               `json:"Enabled" yaml:"Enabled"`
	FilePath          string             `json:"FilePath" yaml:"FilePath"`
	CompressionConfig *CompressionConfig `json:"CompressionConfig" yaml:"CompressionConfig"`
	EncryptionConfig  *EncryptionConfig  `json:"EncryptionConfig" yaml:"EncryptionConfig"`
}

// CompressionConfig allows you to configure compression of event payloads.
type CompressionConfig struct {
	Enabled bool   `json:"Enabled" yaml:"Enabled"`
	Type    string `json:"Type,omitempty" yaml:"Type,omitempty"`
}

// EncryptionConfig allows you to configure symmetric key encryption of event payloads.
type EncryptionConfig struct {
	Enabled           bool   `json:"Enabled" yaml:"Enabled"`
	Type              string `json:"Type,omitempty" yaml:"Type,omitempty"`
	Hashkey           []byte `json:"-" yaml:"-"`
	TimeConsideration uint32 `json:"TimeConsideration,omitempty" yaml:"TimeConsideration,omitempty"`
	MemoryMultiplier  uint32 `json:"MemoryMultiplier,omitempty" yaml:"MemoryMultiplier,omitempty"`
	Threads           uint8  `json:"Threads,omitempty" yaml:"Threads,omitempty"`
}

const (
	defaultMaxConnectionCount  = uint64(5)
	defaultConnectionTimeout   = uint32(5)     // seconds
	defaultRequestTimeout      = uint32(30000) // milliseconds
	defaultAcquireTimeout      = uint32(5000)  // milliseconds
	defaultHealthCheckInterval = uint32(30000) // milliseconds
	defaultProbeTimeout        = uint32(2000)  // milliseconds
	defaultUnhealthyThreshold  = uint32(3)
	defaultFailureThreshold    = uint32(5)
	defaultRecoveryTimeout     = uint32(10000) // milliseconds
	defaultMaxAgeHours         = uint32(24)
	defaultMaxRequests         = uint64(1000)
	defaultMaxConsecutiveErrs  = uint64(5)
	defaultMaxTurns            = uint32(10)
)

// ApplyDefaults fills every zero-valued knob with its documented default so a minimal
// config file (name and endpoint per server) is enough to run.
func (seasoning *BridgeSeasoning) ApplyDefaults() {
	for name, serverConfig := range seasoning.ServerConfigs {
		if serverConfig.Name == "" {
			serverConfig.Name = name
		}
		serverConfig.applyDefaults()
	}

	if seasoning.MonitorConfig == nil {
		seasoning.MonitorConfig = &MonitorConfig{}
	}
	if seasoning.MonitorConfig.HealthCheckInterval == 0 {
		seasoning.MonitorConfig.HealthCheckInterval = defaultHealthCheckInterval
	}
	if seasoning.MonitorConfig.ProbeTimeout == 0 {
		seasoning.MonitorConfig.ProbeTimeout = defaultProbeTimeout
	}
	if seasoning.MonitorConfig.UnhealthyThreshold == 0 {
		seasoning.MonitorConfig.UnhealthyThreshold = defaultUnhealthyThreshold
	}

	if seasoning.BreakerConfig == nil {
		seasoning.BreakerConfig = &BreakerConfig{}
	}
	if seasoning.BreakerConfig.FailureThreshold == 0 {
		seasoning.BreakerConfig.FailureThreshold = defaultFailureThreshold
	}
	if seasoning.BreakerConfig.RecoveryTimeout == 0 {
		seasoning.BreakerConfig.RecoveryTimeout = defaultRecoveryTimeout
	}

	if seasoning.LifecycleConfig == nil {
		seasoning.LifecycleConfig = &LifecycleConfig{}
	}
	if seasoning.LifecycleConfig.MaxAgeHours == 0 {
		seasoning.LifecycleConfig.MaxAgeHours = defaultMaxAgeHours
	}
	if seasoning.LifecycleConfig.MaxRequests == 0 {
		seasoning.LifecycleConfig.MaxRequests = defaultMaxRequests
	}
	if seasoning.LifecycleConfig.MaxConsecutiveErrors == 0 {
		seasoning.LifecycleConfig.MaxConsecutiveErrors = defaultMaxConsecutiveErrs
	}
	if seasoning.LifecycleConfig.MaxTurns == 0 {
		seasoning.LifecycleConfig.MaxTurns = defaultMaxTurns
	}
}

func (config *ServerConfig) applyDefaults() {
	if config.MaxConnectionCount == 0 {
		config.MaxConnectionCount = defaultMaxConnectionCount
	}
	if config.ConnectionTimeout == 0 {
		config.ConnectionTimeout = defaultConnectionTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.AcquireTimeout == 0 {
		config.AcquireTimeout = defaultAcquireTimeout
	}
}
