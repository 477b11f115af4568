package config

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// ValidCodecs lists the wire codecs a client can request.
var ValidCodecs = []string{"json", "protobuf"}

// FieldError describes one invalid setting.
type FieldError struct {
	Key    string
	Value  any
	Reason string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []FieldError
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

func (e *ValidationErrors) add(key string, value any, reason string) {
	e.Fields = append(e.Fields, FieldError{Key: key, Value: value, Reason: reason})
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s=%v: %s\n", f.Key, f.Value, f.Reason))
	}
	return sb.String()
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if strings.TrimSpace(c.Client.Host) == "" {
		errs.add("client.host", c.Client.Host, "must not be empty")
	}
	if strings.Contains(c.Client.Host, "://") || strings.Contains(c.Client.Host, "/") {
		errs.add("client.host", c.Client.Host, "must be host[:port] without scheme or path")
	}
	if !isValidCodec(c.Client.Codec) {
		errs.add("client.codec", c.Client.Codec, "must be one of: "+strings.Join(ValidCodecs, ", "))
	}
	if c.Client.StartFrom < 0 {
		errs.add("client.start_from", c.Client.StartFrom, "must be >= 0")
	}
	if c.Client.HandshakeTimeoutSec < 1 {
		errs.add("client.handshake_timeout_sec", c.Client.HandshakeTimeoutSec, "must be >= 1")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs.add("server.port", c.Server.Port, "must be between 1 and 65535")
	}
	if c.Server.MaxRate < 0 {
		errs.add("server.max_rate", c.Server.MaxRate, "must be >= 0 (0 disables pacing)")
	}
	if c.Server.PollIntervalMs < 1 {
		errs.add("server.poll_interval_ms", c.Server.PollIntervalMs, "must be >= 1")
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		errs.add("logging.level", c.Logging.Level, "unknown log level")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func isValidCodec(name string) bool {
	for _, c := range ValidCodecs {
		if c == name {
			return true
		}
	}
	return false
}
