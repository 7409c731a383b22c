package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Settings is the authoritative record of device connection configuration.
// Environment variables are a mirror written by ApplyEnvMirror; nothing in the
// process reads connection settings back out of the environment.
type Settings struct {
	DeviceIPAddress   string `json:"deviceIpAddress" toml:"device_ip_address"`
	ADBPort           int    `json:"adbPort" toml:"adb_port"`
	RemoteADBHost     string `json:"remoteAdbHost" toml:"remote_adb_host"`
	RemoteADBPort     int    `json:"remoteAdbPort" toml:"remote_adb_port"`
	CustomADBPath     string `json:"customAdbPath" toml:"custom_adb_path"`
	UseRemoteADB      bool   `json:"useRemoteAdb" toml:"use_remote_adb"`
	AutoReconnect     bool   `json:"autoReconnect" toml:"auto_reconnect"`
	ConnectionTimeout int    `json:"connectionTimeout" toml:"connection_timeout_ms"`
	MaxRetries        int    `json:"maxRetries" toml:"max_retries"`
	RetryDelay        int    `json:"retryDelay" toml:"retry_delay_ms"`
	Debug             bool   `json:"debug" toml:"debug"`
	LogLevel          string `json:"logLevel" toml:"log_level"`
}

// Patch carries a partial settings update; nil fields keep the prior value.
type Patch struct {
	DeviceIPAddress   *string `json:"deviceIpAddress"`
	ADBPort           *int    `json:"adbPort"`
	RemoteADBHost     *string `json:"remoteAdbHost"`
	RemoteADBPort     *int    `json:"remoteAdbPort"`
	CustomADBPath     *string `json:"customAdbPath"`
	UseRemoteADB      *bool   `json:"useRemoteAdb"`
	AutoReconnect     *bool   `json:"autoReconnect"`
	ConnectionTimeout *int    `json:"connectionTimeout"`
	MaxRetries        *int    `json:"maxRetries"`
	RetryDelay        *int    `json:"retryDelay"`
	Debug             *bool   `json:"debug"`
	LogLevel          *string `json:"logLevel"`
}

func DefaultSettings() Settings {
	return Settings{
		ADBPort:           5555,
		RemoteADBPort:     5037,
		AutoReconnect:     true,
		ConnectionTimeout: 30000,
		MaxRetries:        3,
		RetryDelay:        2000,
		LogLevel:          "info",
	}
}

// Merge layers defaults, then current, then the patch. Ports outside [1,65535]
// fall back to the value they would otherwise replace.
func Merge(current Settings, patch Patch) Settings {
	out := normalize(current)
	if patch.DeviceIPAddress != nil {
		out.DeviceIPAddress = strings.TrimSpace(*patch.DeviceIPAddress)
	}
	if patch.ADBPort != nil {
		out.ADBPort = coercePort(*patch.ADBPort, out.ADBPort)
	}
	if patch.RemoteADBHost != nil {
		out.RemoteADBHost = strings.TrimSpace(*patch.RemoteADBHost)
	}
	if patch.RemoteADBPort != nil {
		out.RemoteADBPort = coercePort(*patch.RemoteADBPort, out.RemoteADBPort)
	}
	if patch.CustomADBPath != nil {
		out.CustomADBPath = strings.TrimSpace(*patch.CustomADBPath)
	}
	if patch.UseRemoteADB != nil {
		out.UseRemoteADB = *patch.UseRemoteADB
	}
	if patch.AutoReconnect != nil {
		out.AutoReconnect = *patch.AutoReconnect
	}
	if patch.ConnectionTimeout != nil && *patch.ConnectionTimeout > 0 {
		out.ConnectionTimeout = *patch.ConnectionTimeout
	}
	if patch.MaxRetries != nil && *patch.MaxRetries > 0 {
		out.MaxRetries = *patch.MaxRetries
	}
	if patch.RetryDelay != nil && *patch.RetryDelay >= 0 {
		out.RetryDelay = *patch.RetryDelay
	}
	if patch.Debug != nil {
		out.Debug = *patch.Debug
	}
	if patch.LogLevel != nil && strings.TrimSpace(*patch.LogLevel) != "" {
		out.LogLevel = strings.TrimSpace(*patch.LogLevel)
	}
	return out
}

func normalize(s Settings) Settings {
	defaults := DefaultSettings()
	s.ADBPort = coercePort(s.ADBPort, defaults.ADBPort)
	s.RemoteADBPort = coercePort(s.RemoteADBPort, defaults.RemoteADBPort)
	if s.ConnectionTimeout <= 0 {
		s.ConnectionTimeout = defaults.ConnectionTimeout
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = defaults.MaxRetries
	}
	if s.RetryDelay < 0 {
		s.RetryDelay = defaults.RetryDelay
	}
	if strings.TrimSpace(s.LogLevel) == "" {
		s.LogLevel = defaults.LogLevel
	}
	return s
}

func coercePort(port, fallback int) int {
	if port < 1 || port > 65535 {
		return fallback
	}
	return port
}

// ApplyEnvMirror rewrites the environment bindings that external tooling
// (launch scripts, the adb binary itself) reads. Settings are the source of
// truth; this is one-directional.
func ApplyEnvMirror(s Settings) {
	setenv := func(key, value string) {
		if value == "" {
			_ = os.Unsetenv(key)
			return
		}
		_ = os.Setenv(key, value)
	}
	setenv("NEXUS_DEVICE_IP", s.DeviceIPAddress)
	setenv("NEXUS_ADB_PORT", strconv.Itoa(s.ADBPort))
	setenv("NEXUS_REMOTE_ADB_HOST", s.RemoteADBHost)
	setenv("NEXUS_REMOTE_ADB_PORT", strconv.Itoa(s.RemoteADBPort))
	setenv("NEXUS_ADB_PATH", s.CustomADBPath)
	setenv("NEXUS_USE_REMOTE_ADB", boolFlag(s.UseRemoteADB))
	setenv("NEXUS_AUTO_RECONNECT", boolFlag(s.AutoReconnect))
	setenv("NEXUS_CONNECTION_TIMEOUT_MS", strconv.Itoa(s.ConnectionTimeout))
	setenv("NEXUS_MAX_RETRIES", strconv.Itoa(s.MaxRetries))
	setenv("NEXUS_RETRY_DELAY_MS", strconv.Itoa(s.RetryDelay))
	setenv("NEXUS_DEBUG", boolFlag(s.Debug))
	setenv("NEXUS_LOG_LEVEL", s.LogLevel)
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return ""
}

// LogAttrs renders settings for structured logging with the adb binary path
// redacted.
func LogAttrs(s Settings) []slog.Attr {
	adbPath := ""
	if strings.TrimSpace(s.CustomADBPath) != "" {
		adbPath = "[redacted]"
	}
	return []slog.Attr{
		slog.String("device_ip", s.DeviceIPAddress),
		slog.Int("adb_port", s.ADBPort),
		slog.String("remote_adb_host", s.RemoteADBHost),
		slog.Int("remote_adb_port", s.RemoteADBPort),
		slog.String("custom_adb_path", adbPath),
		slog.Bool("use_remote_adb", s.UseRemoteADB),
		slog.Bool("auto_reconnect", s.AutoReconnect),
		slog.Int("connection_timeout_ms", s.ConnectionTimeout),
		slog.Int("max_retries", s.MaxRetries),
		slog.Int("retry_delay_ms", s.RetryDelay),
	}
}
