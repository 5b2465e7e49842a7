// Package engine ties the transport, sequencer, graph, and plugin bridges
// into one audio pipeline. One engine instance owns one session; there is
// no package-level state, so tests run engines side by side.
package engine

import (
	"fmt"
	"os"
	"sync/atomic"

	"go-daw/bridge"
	"go-daw/command"
	"go-daw/debug"
	"go-daw/graph"
	"go-daw/sequencer"
	"go-daw/shmem"
	"go-daw/transport"
)

// MaxTracks bounds the session size; the mix bus has one strip per slot.
const MaxTracks = 16

// Config sizes a new engine.
type Config struct {
	SampleRate  int
	BlockFrames int
	SlotCount   int    // shared memory ring depth per plugin
	PluginHost  string // pluginhost binary, empty disables plugin loading
	MidiPort    string // MIDI monitor output, empty disables it
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = transport.DefaultSampleRate
	}
	if c.BlockFrames <= 0 {
		c.BlockFrames = graph.DefaultBlockFrames
	}
	if c.SlotCount <= 0 {
		c.SlotCount = 8
	}
	return c
}

// EventKind discriminates engine events.
type EventKind int

const (
	EventTrackCrashed EventKind = iota + 1
	EventNodeFault
	EventPluginLoaded
	EventPluginFailed
	EventProjectSaved
	EventProjectLoaded
	EventInfo
)

// Event is an asynchronous notification for the UI: crashes, faults,
// finished background work.
type Event struct {
	Kind    EventKind
	Track   int
	Message string
}

// Engine is the audio core. ProcessBlock is its only audio-path entry and
// must be driven from exactly one goroutine (the output backend's);
// everything else communicates through the command queue, the deferred
// queue, or the published snapshot.
type Engine struct {
	cfg Config

	clock *transport.Transport
	seq   *sequencer.Sequencer
	graph *graph.Graph
	mix   *graph.MixBus
	mixID graph.NodeID

	tracks      map[int]*track
	projectName string
	seed        uint64

	queue    *command.Queue
	deferred chan func(*Engine)
	events   chan Event
	snap     atomic.Pointer[Snapshot]

	notesByNode map[graph.NodeID][]graph.NoteEvent
	monitor     *MidiMonitor
}

// track is one session track: a source node (built-in instrument or plugin
// bridge) wired into its mix bus strip, optionally through a delay insert.
type track struct {
	id      int
	name    string
	nodeID  graph.NodeID
	inst    *graph.Instrument // nil when br is set
	br      *bridge.Bridge
	delay   *graph.DelayNode // nil when no insert
	delayID graph.NodeID
}

// New builds an engine with an empty session.
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	g := graph.New(cfg.SampleRate, cfg.BlockFrames)
	mix := graph.NewMixBus(MaxTracks)
	mixID := g.AddNode(mix)
	g.SetOutput(mixID)

	e := &Engine{
		cfg:         cfg,
		clock:       transport.New(cfg.SampleRate),
		seq:         sequencer.New(cfg.SampleRate),
		graph:       g,
		mix:         mix,
		mixID:       mixID,
		tracks:      make(map[int]*track),
		projectName: "untitled",
		seed:        0xDA0DA0,
		queue:       command.NewQueue(0),
		deferred:    make(chan func(*Engine), 32),
		events:      make(chan Event, 64),
		notesByNode: make(map[graph.NodeID][]graph.NoteEvent),
	}
	if cfg.MidiPort != "" {
		mon, err := NewMidiMonitor(cfg.MidiPort)
		if err != nil {
			debug.Log("engine", "midi monitor: %v", err)
		} else {
			e.monitor = mon
		}
	}
	e.publishSnapshot()
	return e
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Push enqueues a command for the next block boundary. Never blocks;
// returns false if the queue was full and the command dropped.
func (e *Engine) Push(c command.Command) bool { return e.queue.Push(c) }

// Events returns the engine's notification stream.
func (e *Engine) Events() <-chan Event { return e.events }

// Snapshot returns the most recently published session view. Never nil.
func (e *Engine) Snapshot() *Snapshot { return e.snap.Load() }

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// runLater schedules fn onto the audio goroutine's next block boundary.
// Background work (plugin loads, file IO) re-enters engine state this way.
func (e *Engine) runLater(fn func(*Engine)) {
	select {
	case e.deferred <- fn:
	default:
		debug.Log("engine", "deferred queue full, dropping")
	}
}

// ProcessBlock renders one block and returns the interleaved stereo master
// buffer, which is valid until the next call. Audio goroutine only.
func (e *Engine) ProcessBlock(frames int) []float32 {
	e.queue.Drain(func(c command.Command) { e.apply(c) })
	for {
		select {
		case fn := <-e.deferred:
			fn(e)
			continue
		default:
		}
		break
	}

	delta := e.clock.Advance(frames)
	notes := e.seq.ResolveBlock(delta, e.clock.Tempo())

	for id := range e.notesByNode {
		delete(e.notesByNode, id)
	}
	for trackID, evs := range notes {
		if t, ok := e.tracks[trackID]; ok {
			e.notesByNode[t.nodeID] = evs
			if e.monitor != nil {
				e.monitor.Emit(trackID, evs)
			}
		}
	}

	master, faults := e.graph.ProcessBlock(frames, e.clock.Info(), e.notesByNode, nil)
	for _, f := range faults {
		e.emit(Event{Kind: EventNodeFault, Message: f.Err.Error()})
	}
	e.drainBridgeNotices()
	e.publishSnapshot()
	return master
}

// drainBridgeNotices pulls pending notices off every bridge without
// blocking and republishes them as engine events.
func (e *Engine) drainBridgeNotices() {
	for id, t := range e.tracks {
		if t.br == nil {
			continue
		}
		for {
			select {
			case n := <-t.br.Notices():
				switch n.Kind {
				case bridge.NoticeCrashed:
					debug.Log("engine", "track %d plugin crashed: %s", id, n.Message)
					e.emit(Event{Kind: EventTrackCrashed, Track: id, Message: n.Message})
				case bridge.NoticeError:
					e.emit(Event{Kind: EventNodeFault, Track: id, Message: n.Message})
				}
			default:
				goto next
			}
		}
	next:
	}
}

// apply executes one command on the audio goroutine. Unknown tracks are a
// caller error: the command is dropped and logged, engine state untouched.
func (e *Engine) apply(c command.Command) {
	switch c := c.(type) {
	case command.Play:
		e.clock.Play()
	case command.Stop:
		e.clock.Stop()
	case command.TogglePlay:
		if e.clock.State() == transport.Playing {
			e.clock.Stop()
		} else {
			e.clock.Play()
		}
	case command.Seek:
		e.clock.Seek(c.Samples)
	case command.SetTempo:
		if err := e.clock.SetTempo(c.BPM); err != nil {
			debug.Log("engine", "%v", err)
		}
	case command.SetSeed:
		e.seed = c.Seed
		e.seq.SetSeed(c.Seed)

	case command.AddTrack:
		if err := e.addTrack(c.Track); err != nil {
			debug.Log("engine", "addTrack %d: %v", c.Track, err)
		}
	case command.RemoveTrack:
		e.removeTrack(c.Track)
	case command.LoadPlugin:
		e.loadPlugin(c.Track, c.Path)
	case command.UnloadPlugin:
		e.unloadPlugin(c.Track)
	case command.ReloadPlugin:
		e.reloadPlugin(c.Track)
	case command.SimulateCrash:
		if t, ok := e.tracks[c.Track]; ok && t.br != nil {
			t.br.SimulateCrash()
		}

	case command.SetStep:
		if p := e.seq.Pattern(c.Track); p != nil {
			if err := p.SetStep(c.Index, c.Step); err != nil {
				debug.Log("engine", "setStep: %v", err)
			}
		}
	case command.SetLoop:
		if p := e.seq.Pattern(c.Track); p != nil {
			if err := p.SetLoop(c.Start, c.End); err != nil {
				debug.Log("engine", "setLoop: %v", err)
			}
		}
	case command.SetDirection:
		if p := e.seq.Pattern(c.Track); p != nil {
			p.Direction = c.Direction
		}
	case command.SetPatternMute:
		if p := e.seq.Pattern(c.Track); p != nil {
			p.Muted = c.Muted
		}

	case command.SetVolume:
		if _, ok := e.tracks[c.Track]; ok {
			e.mix.SetGain(c.Track, c.Volume)
		}
	case command.SetPan:
		if _, ok := e.tracks[c.Track]; ok {
			e.mix.SetPan(c.Track, c.Pan)
		}
	case command.SetMute:
		if _, ok := e.tracks[c.Track]; ok {
			e.mix.SetMute(c.Track, c.Muted)
		}
	case command.SetSolo:
		if _, ok := e.tracks[c.Track]; ok {
			e.mix.SetSolo(c.Track, c.Solo)
		}
	case command.SetMasterGain:
		e.mix.SetMasterGain(c.Gain)

	case command.SetParam:
		e.setParam(c.Track, c.ID, c.Value)
	case command.SetDelay:
		e.setDelay(c.Track, c.Enabled)
	case command.SetDelayParam:
		if t, ok := e.tracks[c.Track]; ok && t.delay != nil {
			t.delay.SetParam(c.ID, c.Value)
		}

	case command.SaveProject:
		e.saveProject(c.Path)
	case command.LoadProject:
		e.loadProjectFile(c.Path)

	default:
		debug.Log("engine", "unhandled command %T", c)
	}
}

func (e *Engine) setParam(trackID int, id uint32, value float32) {
	t, ok := e.tracks[trackID]
	if !ok {
		return
	}
	if t.br != nil {
		t.br.SetParam(id, value)
		return
	}
	if t.inst != nil {
		t.inst.SetParam(id, value)
	}
}

// Close stops every plugin and the MIDI monitor. Call after the output
// backend has stopped driving ProcessBlock.
func (e *Engine) Close() {
	for _, t := range e.tracks {
		if t.br != nil {
			t.br.Unload()
		}
	}
	if e.monitor != nil {
		e.monitor.Close()
	}
}

func (e *Engine) shmemConfig() shmem.Config {
	return shmem.Config{
		SampleRate:    e.cfg.SampleRate,
		Channels:      graph.Channels,
		FramesPerSlot: e.cfg.BlockFrames,
		SlotCount:     e.cfg.SlotCount,
	}
}

// segName must not collide across engines on one machine, so the pid is in
// the name.
func segName(trackID int) string { return fmt.Sprintf("trk%d-%d", os.Getpid(), trackID) }
