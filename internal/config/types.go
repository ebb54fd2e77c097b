package config

import "time"

// Config is the process configuration. JSON or YAML on disk; durations are
// Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Engine   EngineConfig   `json:"engine"`
	Sessions SessionsConfig `json:"sessions"`
	Dispatch DispatchConfig `json:"dispatch"`
	Storage  *StorageConfig `json:"storage,omitempty"`
}

type ServerConfig struct {
	Addr string `json:"addr"` // default ":3000"
	// MaxUploadBytes caps multipart attachment size. Default 32 MiB.
	MaxUploadBytes int64 `json:"max_upload_bytes,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file"`
}

// EngineConfig points at the external WAHA-style engine daemon.
type EngineConfig struct {
	BaseURL      string `json:"base_url"`
	APIKey       string `json:"api_key,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"` // default "2s"
	CallTimeout  string `json:"call_timeout,omitempty"`  // default "30s"
}

type SessionsConfig struct {
	// AutoReinit re-creates a session's engine client after an upstream
	// disconnect instead of tearing the session down.
	AutoReinit       bool   `json:"auto_reinit"`
	ReinitMaxElapsed string `json:"reinit_max_elapsed,omitempty"` // default "2m"

	// IdleTTL evicts sessions without activity; "0s" disables reaping.
	IdleTTL string `json:"idle_ttl,omitempty"`
	// ReapSchedule is a cron spec for the idle sweep. Default "*/5 * * * *".
	ReapSchedule string `json:"reap_schedule,omitempty"`
}

// DispatchConfig sets the engine-wide ceiling and the default pacing policy;
// requests may override the policy per job.
type DispatchConfig struct {
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	PerMessageDelay string `json:"per_message_delay,omitempty"`
	BatchSize       int    `json:"batch_size,omitempty"`
	InterBatchDelay string `json:"inter_batch_delay,omitempty"`
}

// StorageConfig controls the optional audit persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./wagate_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

func (c *Config) withDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = 32 << 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Sessions.ReapSchedule == "" {
		c.Sessions.ReapSchedule = "*/5 * * * *"
	}
}

// Durations below parse the string fields once, at use sites.

func (c EngineConfig) PollIntervalD() (time.Duration, error) {
	return ParseDurationOrDefault("engine.poll_interval", c.PollInterval, 2*time.Second)
}

func (c EngineConfig) CallTimeoutD() (time.Duration, error) {
	return ParseDurationOrDefault("engine.call_timeout", c.CallTimeout, 30*time.Second)
}

func (c SessionsConfig) ReinitMaxElapsedD() (time.Duration, error) {
	return ParseDurationOrDefault("sessions.reinit_max_elapsed", c.ReinitMaxElapsed, 2*time.Minute)
}

func (c SessionsConfig) IdleTTLD() (time.Duration, error) {
	return ParseDurationField("sessions.idle_ttl", c.IdleTTL)
}

func (c DispatchConfig) PerMessageDelayD() (time.Duration, error) {
	return ParseDurationField("dispatch.per_message_delay", c.PerMessageDelay)
}

func (c DispatchConfig) InterBatchDelayD() (time.Duration, error) {
	return ParseDurationField("dispatch.inter_batch_delay", c.InterBatchDelay)
}

func (c StorageConfig) BusyTimeoutD() (time.Duration, error) {
	return ParseDurationField("storage.busy_timeout", c.BusyTimeout)
}

// Validate checks everything that can fail before services start.
func (c *Config) Validate() error {
	c.withDefaults()
	if _, err := c.Engine.PollIntervalD(); err != nil {
		return err
	}
	if _, err := c.Engine.CallTimeoutD(); err != nil {
		return err
	}
	if _, err := c.Sessions.ReinitMaxElapsedD(); err != nil {
		return err
	}
	if _, err := c.Sessions.IdleTTLD(); err != nil {
		return err
	}
	if _, err := c.Dispatch.PerMessageDelayD(); err != nil {
		return err
	}
	if _, err := c.Dispatch.InterBatchDelayD(); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := c.Storage.BusyTimeoutD(); err != nil {
			return err
		}
	}
	return nil
}
