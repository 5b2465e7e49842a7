package engine

import (
	"sort"

	"go-daw/sequencer"
)

// TrackView is one track's state as the UI sees it.
type TrackView struct {
	ID          int
	Name        string
	Volume      float32
	Pan         float32
	Mute        bool
	Solo        bool
	PluginPath  string
	PluginState string // empty for the built-in instrument
	DelayOn     bool
	Pattern     sequencer.Pattern
	ActiveStep  int // step the playhead is on
}

// Snapshot is an immutable view of the session, published once per block.
// Readers on other goroutines get whole snapshots, never partial state.
type Snapshot struct {
	Playing         bool
	Tempo           float64
	Beat            float64
	Bar             int
	PlayheadSamples uint64
	MasterGain      float32
	Tracks          []TrackView
}

func (e *Engine) publishSnapshot() {
	info := e.clock.Info()
	s := &Snapshot{
		Playing:         info.Playing,
		Tempo:           info.Tempo,
		Beat:            info.Beat,
		Bar:             info.Bar,
		PlayheadSamples: info.PlayheadSamples,
		MasterGain:      e.mix.MasterGain(),
		Tracks:          make([]TrackView, 0, len(e.tracks)),
	}

	counter := uint64(info.Beat * sequencer.StepsPerBeat)
	for id, t := range e.tracks {
		in := e.mix.Input(id)
		view := TrackView{
			ID:     id,
			Name:   t.name,
			Volume: in.Gain,
			Pan:    in.Pan,
			Mute:   in.Mute,
			Solo:   in.Solo,
		}
		if t.br != nil {
			view.PluginPath = t.br.PluginPath()
			view.PluginState = t.br.State().String()
		}
		view.DelayOn = t.delay != nil
		if p := e.seq.Pattern(id); p != nil {
			view.Pattern = *p
			view.ActiveStep = p.LoopStart
			if info.Playing {
				view.ActiveStep = sequencer.StepIndex(counter, p.Direction, p.LoopStart, p.LoopEnd)
			}
		}
		s.Tracks = append(s.Tracks, view)
	}
	sort.Slice(s.Tracks, func(i, j int) bool { return s.Tracks[i].ID < s.Tracks[j].ID })
	e.snap.Store(s)
}
