package main

import (
	"fmt"
	"math"

	"go-daw/shmem"
	"go-daw/transport"
)

// plugin is what the host runs per block. Built-in demo plugins stand in
// for real ones; the bridge protocol does not care what sits behind this.
type plugin interface {
	process(in, out [][]float32, notes []shmem.NoteEvent, t transport.Info)
	setParam(id uint32, value float32)
}

func newPlugin(name string, sampleRate int) (plugin, error) {
	switch name {
	case "gain":
		return &gainPlugin{gain: 1.0}, nil
	case "saw":
		return &sawPlugin{sampleRate: sampleRate, volume: 0.5}, nil
	case "passthrough":
		return passthrough{}, nil
	}
	return nil, fmt.Errorf("unknown plugin %q", name)
}

// passthrough copies input to output unchanged.
type passthrough struct{}

func (passthrough) process(in, out [][]float32, _ []shmem.NoteEvent, _ transport.Info) {
	for ch := range out {
		if ch < len(in) {
			copy(out[ch], in[ch])
		}
	}
}

func (passthrough) setParam(uint32, float32) {}

// gainPlugin scales the input. Param 0 is the gain.
type gainPlugin struct {
	gain float32
}

func (g *gainPlugin) process(in, out [][]float32, _ []shmem.NoteEvent, _ transport.Info) {
	for ch := range out {
		if ch >= len(in) {
			continue
		}
		for i := range out[ch] {
			out[ch][i] = in[ch][i] * g.gain
		}
	}
}

func (g *gainPlugin) setParam(id uint32, value float32) {
	if id == 0 {
		g.gain = value
	}
}

// sawPlugin is a monophonic saw synth driven by the slot's note events.
// Param 0 is the output volume.
type sawPlugin struct {
	sampleRate int
	volume     float32

	phase   float64
	inc     float64
	gain    float32
	playing bool
}

func (s *sawPlugin) setParam(id uint32, value float32) {
	if id == 0 {
		s.volume = value
	}
}

func (s *sawPlugin) process(_, out [][]float32, notes []shmem.NoteEvent, _ transport.Info) {
	frames := len(out[0])
	next := 0
	for f := 0; f < frames; f++ {
		for next < len(notes) && int(notes[next].Offset) <= f {
			ev := notes[next]
			if ev.Velocity > 0 {
				hz := 440.0 * math.Pow(2, (float64(ev.Note)-69)/12)
				s.inc = hz / float64(s.sampleRate)
				s.gain = float32(ev.Velocity) / 127
				s.phase = 0
				s.playing = true
			} else {
				s.playing = false
			}
			next++
		}
		if !s.playing {
			continue
		}
		v := float32(2*s.phase-1) * s.gain * s.volume
		s.phase += s.inc
		if s.phase >= 1 {
			s.phase -= 1
		}
		for ch := range out {
			out[ch][f] = v
		}
	}
}
