// Package project persists a session as JSON: tempo, tracks, patterns,
// mixer settings, and enough plugin state to rebuild the session on load.
package project

import (
	"encoding/json"
	"fmt"
	"os"

	"go-daw/sequencer"
)

// Track is one track's persisted state. PluginPath is empty for tracks
// using the built-in instrument; Params is the plugin's parameter shadow at
// save time.
type Track struct {
	Name       string             `json:"name"`
	Volume     float32            `json:"volume"`
	Pan        float32            `json:"pan"`
	Mute       bool               `json:"mute"`
	Solo       bool               `json:"solo"`
	PluginPath string             `json:"pluginPath,omitempty"`
	Params     map[uint32]float32 `json:"params,omitempty"`
	Delay      *Delay             `json:"delay,omitempty"`
	Pattern    sequencer.Pattern  `json:"pattern"`
}

// Delay is a track's delay insert settings; nil means no insert.
type Delay struct {
	Time     float32 `json:"time"` // seconds
	Feedback float32 `json:"feedback"`
	Mix      float32 `json:"mix"`
}

// Project is a complete session snapshot.
type Project struct {
	Name       string         `json:"name"`
	Tempo      float64        `json:"tempo"`
	Seed       uint64         `json:"seed"`
	MasterGain float32        `json:"masterGain"`
	Tracks     map[int]*Track `json:"tracks"`
}

// New returns an empty project at the given tempo.
func New(name string, tempo float64) *Project {
	return &Project{
		Name:       name,
		Tempo:      tempo,
		MasterGain: 1.0,
		Tracks:     make(map[int]*Track),
	}
}

// Save writes the project to path as indented JSON.
func Save(path string, p *Project) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("project: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("project: write %s: %w", path, err)
	}
	return nil
}

// Load reads a project from path.
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("project: read %s: %w", path, err)
	}
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("project: parse %s: %w", path, err)
	}
	if p.Tempo <= 0 {
		p.Tempo = 120
	}
	if p.Tracks == nil {
		p.Tracks = make(map[int]*Track)
	}
	return &p, nil
}
