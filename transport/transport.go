package transport

import "fmt"

// DefaultSampleRate is the engine-wide default sample rate in Hz.
const DefaultSampleRate = 48000

// DefaultTempo is the tempo a fresh transport starts at.
const DefaultTempo = 120.0

// State is the transport play state.
type State int

const (
	Stopped State = iota
	Playing
)

func (s State) String() string {
	if s == Playing {
		return "playing"
	}
	return "stopped"
}

// Info is the transport snapshot pushed into every node and shared-memory
// slot for one block. It is a value type: cheap to copy, constant for the
// duration of the block it describes.
type Info struct {
	Playing         bool
	Tempo           float64
	PlayheadSamples uint64
	Beat            float64
	Bar             int
}

// PlayheadDelta describes one Advance: the half-open sample range
// [StartSample, EndSample) the block covers and its beat-domain image.
type PlayheadDelta struct {
	StartSample uint64
	EndSample   uint64
	StartBeat   float64
	EndBeat     float64
	Playing     bool
}

// Frames returns the number of frames the delta spans.
func (d PlayheadDelta) Frames() int {
	return int(d.EndSample - d.StartSample)
}

// Transport is the authoritative clock. The playhead is an exact sample
// count so repeated small advances and one large advance land on the same
// position; beats are derived on demand.
//
// Advance is the only method called from the audio path. Play, Stop, Seek
// and SetTempo are applied from drained commands at block boundaries, so
// tempo and play state are constant within a block.
type Transport struct {
	sampleRate int
	tempo      float64
	state      State
	playhead   uint64
}

// New creates a stopped transport at the given sample rate.
func New(sampleRate int) *Transport {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Transport{
		sampleRate: sampleRate,
		tempo:      DefaultTempo,
	}
}

// SampleRate returns the configured sample rate.
func (t *Transport) SampleRate() int { return t.sampleRate }

// Tempo returns the current tempo in BPM.
func (t *Transport) Tempo() float64 { return t.tempo }

// State returns the current play state.
func (t *Transport) State() State { return t.state }

// PlayheadSamples returns the exact playhead position in samples.
func (t *Transport) PlayheadSamples() uint64 { return t.playhead }

// Play starts the transport from the current playhead.
func (t *Transport) Play() { t.state = Playing }

// Stop halts the transport and rewinds to zero.
func (t *Transport) Stop() {
	t.state = Stopped
	t.playhead = 0
}

// Pause halts the transport without moving the playhead.
func (t *Transport) Pause() { t.state = Stopped }

// Seek moves the playhead to an absolute sample position.
func (t *Transport) Seek(samples uint64) { t.playhead = samples }

// SetTempo changes the tempo. Rejects non-positive values.
func (t *Transport) SetTempo(bpm float64) error {
	if bpm <= 0 {
		return fmt.Errorf("transport: tempo must be > 0, got %v", bpm)
	}
	t.tempo = bpm
	return nil
}

// BeatsAt converts a sample position to beats at the current tempo.
func (t *Transport) BeatsAt(samples uint64) float64 {
	return float64(samples) * t.tempo / (60.0 * float64(t.sampleRate))
}

// Advance moves the playhead by frameCount samples when playing and returns
// the covered range. When stopped the playhead holds and the delta spans
// zero frames at the current position.
func (t *Transport) Advance(frameCount int) PlayheadDelta {
	start := t.playhead
	if t.state == Playing && frameCount > 0 {
		t.playhead += uint64(frameCount)
	}
	return PlayheadDelta{
		StartSample: start,
		EndSample:   t.playhead,
		StartBeat:   t.BeatsAt(start),
		EndBeat:     t.BeatsAt(t.playhead),
		Playing:     t.state == Playing,
	}
}

// Info returns the block-constant transport snapshot at the playhead.
func (t *Transport) Info() Info {
	beat := t.BeatsAt(t.playhead)
	return Info{
		Playing:         t.state == Playing,
		Tempo:           t.tempo,
		PlayheadSamples: t.playhead,
		Beat:            beat,
		Bar:             int(beat / 4.0),
	}
}
