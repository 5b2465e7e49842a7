// Package config loads and saves app settings from
// ~/.config/go-daw/config.json
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds engine and hardware settings.
type Config struct {
	SampleRate  int    `json:"sampleRate"`
	BlockFrames int    `json:"blockFrames"`
	SlotCount   int    `json:"slotCount"`   // shared memory ring depth per plugin
	PluginHost  string `json:"pluginHost"`  // path to the pluginhost binary
	MidiPort    string `json:"midiPort"`    // MIDI output for the note monitor, empty = off
	ProjectDir  string `json:"projectDir"`  // where projects are saved
	Palette     string `json:"palette"`     // GIMP .gpl palette file, empty = builtin
	DebugLog    bool   `json:"debugLog"`    // enable ~/.config/go-daw/debug.log
}

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "go-daw")
}

func configPath() string {
	return filepath.Join(configDir(), "config.json")
}

// Default returns the config used when no file exists yet.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		SampleRate:  48000,
		BlockFrames: 512,
		SlotCount:   8,
		PluginHost:  "pluginhost",
		ProjectDir:  filepath.Join(home, ".config", "go-daw", "projects"),
	}
}

// Load reads the config file, falling back to defaults for a missing file
// or any missing field.
func Load() *Config {
	cfg := Default()
	data, err := os.ReadFile(configPath())
	if err != nil {
		return cfg
	}
	var file Config
	if err := json.Unmarshal(data, &file); err != nil {
		return cfg
	}
	if file.SampleRate > 0 {
		cfg.SampleRate = file.SampleRate
	}
	if file.BlockFrames > 0 {
		cfg.BlockFrames = file.BlockFrames
	}
	if file.SlotCount > 0 {
		cfg.SlotCount = file.SlotCount
	}
	if file.PluginHost != "" {
		cfg.PluginHost = file.PluginHost
	}
	if file.MidiPort != "" {
		cfg.MidiPort = file.MidiPort
	}
	if file.ProjectDir != "" {
		cfg.ProjectDir = file.ProjectDir
	}
	if file.Palette != "" {
		cfg.Palette = file.Palette
	}
	cfg.DebugLog = file.DebugLog
	return cfg
}

// Save writes the config file, creating the directory if needed.
func Save(cfg *Config) error {
	if err := os.MkdirAll(configDir(), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(), data, 0644)
}
