/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logging

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextKey represents the type for context keys.
type ContextKey string

const (
	// CorrelationIDKey is the context key for correlation IDs
	CorrelationIDKey ContextKey = "correlationID"
	// LabKey is the context key for the lab id
	LabKey ContextKey = "lab"
	// VMKey is the context key for the platform/vm pair
	VMKey ContextKey = "vm"
	// PlatformKey is the context key for the platform id
	PlatformKey ContextKey = "platform"
	// RequestKey is the context key for the overseer request id
	RequestKey ContextKey = "request"
	// TaskKey is the context key for the orchestrator task key
	TaskKey ContextKey = "task"
)

// Config holds logging configuration.
type Config struct {
	Level       string
	Format      string // json or console
	Sampling    bool
	Development bool
}

// DefaultConfig returns default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:    "info",
		Format:   "json",
		Sampling: true,
	}
}

// Setup builds the process logger with structured JSON output.
func Setup(config *Config) (*zap.Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	zapConfig := zap.NewProductionConfig()
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}

	if config.Format == "console" {
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig.Encoding = "json"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapConfig.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}

	level := zap.InfoLevel
	switch strings.ToLower(config.Level) {
	case "debug":
		level = zap.DebugLevel
	case "info":
		level = zap.InfoLevel
	case "warn", "warning":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	if config.Sampling && !config.Development {
		zapConfig.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// WithCorrelationID adds a correlation ID to context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithLab adds lab correlation to context.
func WithLab(ctx context.Context, labID string) context.Context {
	return context.WithValue(ctx, LabKey, labID)
}

// WithVM adds VM correlation to context.
func WithVM(ctx context.Context, platform, vmID string) context.Context {
	return context.WithValue(ctx, VMKey, fmt.Sprintf("%s/%s", platform, vmID))
}

// WithPlatform adds platform correlation to context.
func WithPlatform(ctx context.Context, platform string) context.Context {
	return context.WithValue(ctx, PlatformKey, platform)
}

// WithRequest adds request correlation to context.
func WithRequest(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestKey, requestID)
}

// WithTask adds task correlation to context.
func WithTask(ctx context.Context, taskKey string) context.Context {
	return context.WithValue(ctx, TaskKey, taskKey)
}

// CorrelationID extracts the correlation ID from context, if any.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return v
	}
	return ""
}

// FromContext enriches logger with correlation fields carried in ctx.
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := make([]zap.Field, 0, 6)
	for _, key := range []ContextKey{CorrelationIDKey, LabKey, VMKey, PlatformKey, RequestKey, TaskKey} {
		if val, ok := ctx.Value(key).(string); ok && val != "" {
			fields = append(fields, zap.String(string(key), val))
		}
	}
	if len(fields) > 0 {
		return logger.With(fields...)
	}
	return logger
}

// Redactor removes sensitive material before values reach logs.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with common sensitive patterns.
func NewRedactor() *Redactor {
	patterns := []*regexp.Regexp{
		// Passwords in URLs
		regexp.MustCompile(`://[^:]*:([^@]*?)@`),
		// API keys and tokens
		regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|pwd)\s*[:=]\s*["']?([^"'\s]+)["']?`),
		// SSH keys
		regexp.MustCompile(`ssh-[a-z0-9]+ [A-Za-z0-9+/=]+`),
	}
	return &Redactor{patterns: patterns}
}

// Redact removes sensitive information from a string.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, pattern := range r.patterns {
		if pattern.NumSubexp() > 0 {
			result = pattern.ReplaceAllStringFunc(result, func(match string) string {
				submatches := pattern.FindStringSubmatch(match)
				if len(submatches) > 1 {
					return strings.Replace(match, submatches[1], "[REDACTED]", 1)
				}
				return match
			})
		} else {
			result = pattern.ReplaceAllString(result, "[REDACTED]")
		}
	}
	return result
}

// RedactMap redacts values whose keys look sensitive.
func (r *Redactor) RedactMap(input map[string]string) map[string]string {
	if input == nil {
		return nil
	}
	result := make(map[string]string, len(input))
	for k, v := range input {
		if isSensitiveKey(k) {
			result[k] = "[REDACTED]"
		} else {
			result[k] = r.Redact(v)
		}
	}
	return result
}

var globalRedactor = NewRedactor()

// RedactString is a convenience function for global redaction.
func RedactString(input string) string {
	return globalRedactor.Redact(input)
}

func isSensitiveKey(key string) bool {
	sensitiveKeys := []string{
		"password", "passwd", "pwd", "secret", "token", "key", "auth",
		"credential", "cred", "private_key", "userdata", "user_data",
	}
	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}
