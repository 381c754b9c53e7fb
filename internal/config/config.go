package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config is wireterm's merged runtime configuration: process-wide settings
// for the listener, the protocol machine, and the file monitor. Loaded from
// a user-level and a project-level JSON file, project overriding user,
// the same two-tier merge the teacher's own Manager applies to settings.json.
type Config struct {
	// Transport
	ListenAddr string `json:"listen_addr,omitempty"`
	SocketPath string `json:"socket_path,omitempty"`

	// Protocol machine / actor timing (spec.md §5 "Timeouts")
	KeepaliveSeconds int `json:"keepalive_seconds,omitempty"`
	IdleMultiplier   int `json:"idle_multiplier,omitempty"`
	MaxFrameBody     int `json:"max_frame_body,omitempty"`

	// Watch pipeline / task flow control (spec.md §4.8, §4.11)
	ThrottleWarnBytes int `json:"throttle_warn_bytes,omitempty"`
	ChunkSize         int `json:"chunk_size,omitempty"`
	WindowSize        int `json:"window_size,omitempty"`
	MaxQueuedRegions  int `json:"max_queued_regions,omitempty"`

	// File monitor (spec.md §4.12)
	FileMonitorLimit int `json:"file_monitor_limit,omitempty"`

	// Ambient
	LogLevel  string `json:"log_level,omitempty"`
	LogFile   string `json:"log_file,omitempty"`
	StorePath string `json:"store_path,omitempty"`
}

// Manager loads and merges a user-level and project-level Config.
type Manager struct {
	userConfig    *Config
	projectConfig *Config
	merged        *Config
}

func NewManager() *Manager {
	return &Manager{
		userConfig:    &Config{},
		projectConfig: &Config{},
		merged:        &Config{},
	}
}

// Load reads <userConfigDir>/settings.json and <projectDir>/.wireterm/settings.json
// (either or both may be absent) and merges them.
func (m *Manager) Load(userConfigDir, projectDir string) error {
	userConfigPath := filepath.Join(userConfigDir, "settings.json")
	if err := m.loadConfig(userConfigPath, m.userConfig); err != nil {
		return err
	}

	projectConfigPath := filepath.Join(projectDir, ".wireterm", "settings.json")
	if err := m.loadConfig(projectConfigPath, m.projectConfig); err != nil {
		return err
	}

	m.mergeConfigs()
	return nil
}

func (m *Manager) loadConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, cfg)
}

func (m *Manager) mergeConfigs() {
	m.merged = &Config{
		ListenAddr:        m.getStringValue(m.userConfig.ListenAddr, m.projectConfig.ListenAddr, "127.0.0.1:7777"),
		SocketPath:        m.getStringValue(m.userConfig.SocketPath, m.projectConfig.SocketPath, ""),
		KeepaliveSeconds:  m.getIntValue(m.userConfig.KeepaliveSeconds, m.projectConfig.KeepaliveSeconds, 30),
		IdleMultiplier:    m.getIntValue(m.userConfig.IdleMultiplier, m.projectConfig.IdleMultiplier, 2),
		MaxFrameBody:      m.getIntValue(m.userConfig.MaxFrameBody, m.projectConfig.MaxFrameBody, 64<<20),
		ThrottleWarnBytes: m.getIntValue(m.userConfig.ThrottleWarnBytes, m.projectConfig.ThrottleWarnBytes, 1<<20),
		ChunkSize:         m.getIntValue(m.userConfig.ChunkSize, m.projectConfig.ChunkSize, 4096),
		WindowSize:        m.getIntValue(m.userConfig.WindowSize, m.projectConfig.WindowSize, 4),
		MaxQueuedRegions:  m.getIntValue(m.userConfig.MaxQueuedRegions, m.projectConfig.MaxQueuedRegions, 512),
		FileMonitorLimit:  m.getIntValue(m.userConfig.FileMonitorLimit, m.projectConfig.FileMonitorLimit, 4096),
		LogLevel:          m.getStringValue(m.userConfig.LogLevel, m.projectConfig.LogLevel, "info"),
		LogFile:           m.getStringValue(m.userConfig.LogFile, m.projectConfig.LogFile, ""),
		StorePath:         m.getStringValue(m.userConfig.StorePath, m.projectConfig.StorePath, ""),
	}
}

func (m *Manager) getStringValue(user, project, defaultValue string) string {
	if project != "" {
		return project
	}
	if user != "" {
		return user
	}
	return defaultValue
}

func (m *Manager) getIntValue(user, project, defaultValue int) int {
	if project != 0 {
		return project
	}
	if user != 0 {
		return user
	}
	return defaultValue
}

func (m *Manager) Get() *Config {
	return m.merged
}

func (m *Manager) SaveUserConfig(userConfigDir string) error {
	if err := os.MkdirAll(userConfigDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.userConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(userConfigDir, "settings.json"), data, 0644)
}

func (m *Manager) SaveProjectConfig(projectDir string) error {
	dir := filepath.Join(projectDir, ".wireterm")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.projectConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "settings.json"), data, 0644)
}
