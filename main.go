package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	gomidi "gitlab.com/gomidi/midi/v2"

	"go-daw/command"
	"go-daw/config"
	"go-daw/debug"
	"go-daw/engine"
	"go-daw/theme"
	"go-daw/tui"
)

func main() {
	headless := flag.Bool("headless", false, "run without an audio device")
	projectPath := flag.String("project", "", "project file to load on start")
	flag.Parse()

	cfg := config.Load()
	if cfg.DebugLog {
		debug.Enable()
		defer debug.Disable()
	}
	os.MkdirAll(cfg.ProjectDir, 0755)
	defer gomidi.CloseDriver()

	e := engine.New(engine.Config{
		SampleRate:  cfg.SampleRate,
		BlockFrames: cfg.BlockFrames,
		SlotCount:   cfg.SlotCount,
		PluginHost:  resolvePluginHost(cfg.PluginHost),
		MidiPort:    cfg.MidiPort,
	})
	defer e.Close()

	var out engine.Output
	if *headless {
		out = engine.NewHeadlessOutput(e)
	} else {
		out = engine.NewOtoOutput(e)
	}
	if err := out.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "audio output: %v, falling back to headless\n", err)
		out = engine.NewHeadlessOutput(e)
		if err := out.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	defer out.Stop()

	if *projectPath != "" {
		e.Push(command.LoadProject{Path: *projectPath})
	} else {
		// Start with two tracks so there is something to play with.
		e.Push(command.AddTrack{Track: 0})
		e.Push(command.AddTrack{Track: 1})
	}

	pal := theme.Builtin()
	if cfg.Palette != "" {
		if loaded, err := theme.LoadGPL(cfg.Palette); err != nil {
			fmt.Fprintf(os.Stderr, "palette %s: %v, using builtin\n", cfg.Palette, err)
		} else {
			pal = loaded
		}
	}
	th := theme.New(pal)
	m := tui.NewModel(e, th, cfg.ProjectDir)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolvePluginHost finds the pluginhost binary: an explicit path wins,
// then a sibling of this executable, then PATH.
func resolvePluginHost(name string) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return name
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), name)
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return name
}
