package engine

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"go-daw/command"
	"go-daw/graph"
	"go-daw/sequencer"
)

func newTestEngine() *Engine {
	return New(Config{SampleRate: 48000, BlockFrames: 512})
}

// runUntilEvent drives blocks until the engine emits the wanted event kind.
// Background work (file IO, plugin loads) lands at block boundaries, so the
// loop sleeps a little between blocks.
func runUntilEvent(t *testing.T, e *Engine, want EventKind) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e.ProcessBlock(e.cfg.BlockFrames)
		select {
		case ev := <-e.Events():
			if ev.Kind == want {
				return ev
			}
			t.Logf("event %v: %s", ev.Kind, ev.Message)
		default:
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no event of kind %v within deadline", want)
	return Event{}
}

func peak(buf []float32) float64 {
	var p float64
	for _, s := range buf {
		if a := math.Abs(float64(s)); a > p {
			p = a
		}
	}
	return p
}

func TestCommandsApplyAtBlockBoundary(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	if !e.Push(command.AddTrack{Track: 0}) {
		t.Fatal("push failed")
	}
	if n := len(e.Snapshot().Tracks); n != 0 {
		t.Fatalf("track appeared before the block boundary: %d", n)
	}
	e.ProcessBlock(512)
	if n := len(e.Snapshot().Tracks); n != 1 {
		t.Fatalf("got %d tracks, want 1", n)
	}
}

func TestStoppedEngineIsSilentAndStill(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.Push(command.AddTrack{Track: 0})
	master := e.ProcessBlock(512)
	if p := peak(master); p != 0 {
		t.Fatalf("stopped engine produced audio, peak %v", p)
	}
	if e.Snapshot().PlayheadSamples != 0 {
		t.Fatal("playhead moved while stopped")
	}
}

func TestPlaybackProducesAudio(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.Push(command.AddTrack{Track: 0})
	e.Push(command.Play{})

	// The default pattern triggers on every step, so a few blocks in the
	// master bus must carry energy.
	var got float64
	for i := 0; i < 20; i++ {
		if p := peak(e.ProcessBlock(512)); p > got {
			got = p
		}
	}
	if got == 0 {
		t.Fatal("playing engine produced only silence")
	}
	if !e.Snapshot().Playing {
		t.Fatal("snapshot not playing")
	}
	if e.Snapshot().PlayheadSamples != 20*512 {
		t.Fatalf("playhead at %d, want %d", e.Snapshot().PlayheadSamples, 20*512)
	}
}

func TestStopRewindsToZero(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.Push(command.AddTrack{Track: 0})
	e.Push(command.Play{})
	for i := 0; i < 8; i++ {
		e.ProcessBlock(512)
	}
	e.Push(command.Stop{})
	e.ProcessBlock(512)

	s := e.Snapshot()
	if s.Playing {
		t.Fatal("still playing after stop")
	}
	if s.PlayheadSamples != 0 {
		t.Fatalf("playhead at %d after stop, want 0", s.PlayheadSamples)
	}
}

func TestTempoAndSeekCommands(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.Push(command.SetTempo{BPM: 150})
	e.Push(command.Seek{Samples: 96000})
	e.ProcessBlock(512)

	s := e.Snapshot()
	if s.Tempo != 150 {
		t.Fatalf("tempo %v, want 150", s.Tempo)
	}
	if s.PlayheadSamples != 96000 {
		t.Fatalf("playhead %d, want 96000", s.PlayheadSamples)
	}

	// Invalid tempo is dropped, state untouched.
	e.Push(command.SetTempo{BPM: -3})
	e.ProcessBlock(512)
	if got := e.Snapshot().Tempo; got != 150 {
		t.Fatalf("tempo %v after invalid set, want 150", got)
	}
}

func TestMixerCommands(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.Push(command.AddTrack{Track: 0})
	e.Push(command.AddTrack{Track: 1})
	e.Push(command.SetVolume{Track: 0, Volume: 0.25})
	e.Push(command.SetPan{Track: 0, Pan: -0.5})
	e.Push(command.SetMute{Track: 1, Muted: true})
	e.Push(command.SetSolo{Track: 0, Solo: true})
	e.Push(command.SetMasterGain{Gain: 0.6})
	e.ProcessBlock(512)

	s := e.Snapshot()
	if len(s.Tracks) != 2 || s.Tracks[0].ID != 0 || s.Tracks[1].ID != 1 {
		t.Fatalf("tracks not sorted by id: %+v", s.Tracks)
	}
	t0, t1 := s.Tracks[0], s.Tracks[1]
	if t0.Volume != 0.25 || t0.Pan != -0.5 || !t0.Solo {
		t.Fatalf("track 0 strip: %+v", t0)
	}
	if !t1.Mute {
		t.Fatal("track 1 not muted")
	}
	if s.MasterGain != 0.6 {
		t.Fatalf("master gain %v", s.MasterGain)
	}
}

func TestRemoveTrack(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.Push(command.AddTrack{Track: 0})
	e.Push(command.AddTrack{Track: 3})
	e.ProcessBlock(512)
	e.Push(command.RemoveTrack{Track: 0})
	e.ProcessBlock(512)

	s := e.Snapshot()
	if len(s.Tracks) != 1 || s.Tracks[0].ID != 3 {
		t.Fatalf("tracks after remove: %+v", s.Tracks)
	}

	// Removing a track that does not exist is a no-op.
	e.Push(command.RemoveTrack{Track: 9})
	e.ProcessBlock(512)
	if len(e.Snapshot().Tracks) != 1 {
		t.Fatal("remove of unknown track changed the session")
	}
}

func TestPatternCommands(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.Push(command.AddTrack{Track: 0})
	e.Push(command.SetStep{Track: 0, Index: 5, Step: sequencer.Step{
		Pitch: 64, Velocity: 90, Gate: 0.75, Probability: 0.5,
	}})
	e.Push(command.SetLoop{Track: 0, Start: 4, End: 11})
	e.Push(command.SetDirection{Track: 0, Direction: sequencer.Backward})
	e.Push(command.SetPatternMute{Track: 0, Muted: true})
	e.ProcessBlock(512)

	pat := e.Snapshot().Tracks[0].Pattern
	if pat.Steps[5].Pitch != 64 || pat.Steps[5].Gate != 0.75 {
		t.Fatalf("step not applied: %+v", pat.Steps[5])
	}
	if pat.LoopStart != 4 || pat.LoopEnd != 11 {
		t.Fatalf("loop %d-%d", pat.LoopStart, pat.LoopEnd)
	}
	if pat.Direction != sequencer.Backward || !pat.Muted {
		t.Fatalf("direction %v muted %v", pat.Direction, pat.Muted)
	}

	// Out-of-range edits are dropped without touching the pattern.
	e.Push(command.SetStep{Track: 0, Index: 40, Step: sequencer.Step{}})
	e.Push(command.SetLoop{Track: 0, Start: 9, End: 2})
	e.ProcessBlock(512)
	pat = e.Snapshot().Tracks[0].Pattern
	if pat.LoopStart != 4 || pat.LoopEnd != 11 {
		t.Fatalf("invalid loop mutated state: %d-%d", pat.LoopStart, pat.LoopEnd)
	}
}

func TestMutedPatternSilencesTrack(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.Push(command.AddTrack{Track: 0})
	e.Push(command.SetPatternMute{Track: 0, Muted: true})
	e.Push(command.Play{})
	for i := 0; i < 20; i++ {
		if p := peak(e.ProcessBlock(512)); p != 0 {
			t.Fatalf("muted pattern produced audio, peak %v", p)
		}
	}
}

func TestProjectSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	e := newTestEngine()
	e.Push(command.AddTrack{Track: 0})
	e.Push(command.SetTempo{BPM: 133})
	e.Push(command.SetVolume{Track: 0, Volume: 0.4})
	e.Push(command.SetPan{Track: 0, Pan: 0.3})
	e.Push(command.SetLoop{Track: 0, Start: 2, End: 7})
	e.Push(command.SetSeed{Seed: 42})
	e.Push(command.SetMasterGain{Gain: 0.7})
	e.ProcessBlock(512)
	e.Push(command.SaveProject{Path: path})
	runUntilEvent(t, e, EventProjectSaved)
	e.Close()

	e2 := newTestEngine()
	defer e2.Close()
	e2.Push(command.LoadProject{Path: path})
	runUntilEvent(t, e2, EventProjectLoaded)
	e2.ProcessBlock(512)

	s := e2.Snapshot()
	if s.Tempo != 133 {
		t.Fatalf("tempo %v, want 133", s.Tempo)
	}
	if s.MasterGain != 0.7 {
		t.Fatalf("master gain %v, want 0.7", s.MasterGain)
	}
	if len(s.Tracks) != 1 {
		t.Fatalf("got %d tracks", len(s.Tracks))
	}
	tr := s.Tracks[0]
	if tr.Volume != 0.4 || tr.Pan != 0.3 {
		t.Fatalf("strip not restored: %+v", tr)
	}
	if tr.Pattern.LoopStart != 2 || tr.Pattern.LoopEnd != 7 {
		t.Fatalf("loop not restored: %d-%d", tr.Pattern.LoopStart, tr.Pattern.LoopEnd)
	}
}

func TestDelayInsertKeepsTrackAudible(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.Push(command.AddTrack{Track: 0})
	e.Push(command.SetStep{Track: 0, Index: 0, Step: sequencer.Step{Pitch: 60, Velocity: 100, Gate: 0.5, Probability: 1}})
	e.Push(command.SetDelay{Track: 0, Enabled: true})
	e.Push(command.Play{})
	e.ProcessBlock(512)

	if !e.Snapshot().Tracks[0].DelayOn {
		t.Fatal("delay not reported on")
	}

	var loud float64
	for i := 0; i < 20; i++ {
		if p := peak(e.ProcessBlock(512)); p > loud {
			loud = p
		}
	}
	if loud == 0 {
		t.Fatal("delayed track went silent")
	}

	// Toggling the insert off restores the direct path.
	e.Push(command.SetDelay{Track: 0, Enabled: false})
	e.ProcessBlock(512)
	if e.Snapshot().Tracks[0].DelayOn {
		t.Fatal("delay still reported on")
	}
	loud = 0
	for i := 0; i < 20; i++ {
		if p := peak(e.ProcessBlock(512)); p > loud {
			loud = p
		}
	}
	if loud == 0 {
		t.Fatal("track silent after removing the insert")
	}
}

func TestDelaySurvivesSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	e := newTestEngine()
	e.Push(command.AddTrack{Track: 0})
	e.Push(command.SetDelay{Track: 0, Enabled: true})
	e.Push(command.SetDelayParam{Track: 0, ID: graph.ParamDelayFeedback, Value: 0.6})
	e.ProcessBlock(512)
	e.Push(command.SaveProject{Path: path})
	runUntilEvent(t, e, EventProjectSaved)
	e.Close()

	e2 := newTestEngine()
	defer e2.Close()
	e2.Push(command.LoadProject{Path: path})
	runUntilEvent(t, e2, EventProjectLoaded)
	e2.ProcessBlock(512)

	if !e2.Snapshot().Tracks[0].DelayOn {
		t.Fatal("delay insert lost across save/load")
	}
	if got := e2.tracks[0].delay.Feedback(); got != 0.6 {
		t.Fatalf("delay feedback %v, want 0.6", got)
	}
}

func TestLoadProjectMissingFileEmitsFault(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.Push(command.LoadProject{Path: filepath.Join(t.TempDir(), "nope.json")})
	runUntilEvent(t, e, EventNodeFault)
}

func TestActiveStepAdvances(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.Push(command.AddTrack{Track: 0})
	e.Push(command.Play{})
	e.ProcessBlock(512)

	if got := e.Snapshot().Tracks[0].ActiveStep; got != 0 {
		t.Fatalf("first step %d, want 0", got)
	}

	// One step at 120 bpm and 48 kHz is 6000 samples; after 13 blocks the
	// playhead sits at 6656, one step in.
	for i := 0; i < 12; i++ {
		e.ProcessBlock(512)
	}
	if got := e.Snapshot().Tracks[0].ActiveStep; got != 1 {
		t.Fatalf("step after one step length %d, want 1", got)
	}
}

func TestPluginLoadWithoutHostFails(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.Push(command.AddTrack{Track: 0})
	e.ProcessBlock(512)
	e.Push(command.LoadPlugin{Track: 0, Path: "gain"})
	ev := runUntilEvent(t, e, EventPluginFailed)
	if ev.Track != 0 {
		t.Fatalf("failure on track %d", ev.Track)
	}
}
