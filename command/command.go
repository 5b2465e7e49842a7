// Package command defines the closed set of control messages the engine
// accepts and the bounded queue that carries them onto the audio goroutine.
package command

import (
	"go-daw/debug"
	"go-daw/sequencer"
)

// Command is a control message applied at a block boundary. The set is
// closed: every variant lives in this package and the engine switches over
// all of them.
type Command interface{ isCommand() }

// Play starts the transport from the current playhead.
type Play struct{}

// Stop halts the transport and rewinds to zero.
type Stop struct{}

// TogglePlay flips between playing and stopped.
type TogglePlay struct{}

// Seek moves the playhead to an absolute sample position.
type Seek struct{ Samples uint64 }

// SetTempo changes the transport tempo in BPM.
type SetTempo struct{ BPM float64 }

// AddTrack creates a track with the given id and the built-in instrument.
type AddTrack struct{ Track int }

// RemoveTrack tears down a track, unloading its plugin if one is hosted.
type RemoveTrack struct{ Track int }

// LoadPlugin replaces a track's instrument with an out-of-process plugin.
type LoadPlugin struct {
	Track int
	Path  string
}

// UnloadPlugin shuts the track's plugin down and restores the built-in
// instrument.
type UnloadPlugin struct{ Track int }

// ReloadPlugin relaunches a crashed plugin and replays its cached params.
type ReloadPlugin struct{ Track int }

// SimulateCrash asks the plugin host to abort, for exercising crash
// recovery.
type SimulateCrash struct{ Track int }

// SetStep replaces one step in a track's pattern.
type SetStep struct {
	Track int
	Index int
	Step  sequencer.Step
}

// SetLoop changes a track's loop window (inclusive bounds).
type SetLoop struct {
	Track      int
	Start, End int
}

// SetDirection changes the order a track's steps are visited in.
type SetDirection struct {
	Track     int
	Direction sequencer.Direction
}

// SetPatternMute silences a track's step lane without touching the mixer.
type SetPatternMute struct {
	Track int
	Muted bool
}

// SetVolume sets a track's mixer gain (1.0 = unity).
type SetVolume struct {
	Track  int
	Volume float32
}

// SetPan sets a track's stereo position, -1 left to +1 right.
type SetPan struct {
	Track int
	Pan   float32
}

// SetMute mutes a track's mixer strip.
type SetMute struct {
	Track int
	Muted bool
}

// SetSolo solos a track's mixer strip.
type SetSolo struct {
	Track int
	Solo  bool
}

// SetMasterGain sets the mix bus output gain.
type SetMasterGain struct{ Gain float32 }

// SetParam changes one parameter on a track's instrument or plugin.
type SetParam struct {
	Track int
	ID    uint32
	Value float32
}

// SetDelay inserts or removes a feedback delay between a track's source
// and its mixer strip.
type SetDelay struct {
	Track   int
	Enabled bool
}

// SetDelayParam changes one parameter on a track's delay insert.
type SetDelayParam struct {
	Track int
	ID    uint32
	Value float32
}

// SetSeed replaces the probability seed.
type SetSeed struct{ Seed uint64 }

// SaveProject snapshots the session to a JSON file.
type SaveProject struct{ Path string }

// LoadProject replaces the session from a JSON file.
type LoadProject struct{ Path string }

func (Play) isCommand()           {}
func (Stop) isCommand()           {}
func (TogglePlay) isCommand()     {}
func (Seek) isCommand()           {}
func (SetTempo) isCommand()       {}
func (AddTrack) isCommand()       {}
func (RemoveTrack) isCommand()    {}
func (LoadPlugin) isCommand()     {}
func (UnloadPlugin) isCommand()   {}
func (ReloadPlugin) isCommand()   {}
func (SimulateCrash) isCommand()  {}
func (SetStep) isCommand()        {}
func (SetLoop) isCommand()        {}
func (SetDirection) isCommand()   {}
func (SetPatternMute) isCommand() {}
func (SetVolume) isCommand()      {}
func (SetPan) isCommand()         {}
func (SetMute) isCommand()        {}
func (SetSolo) isCommand()        {}
func (SetMasterGain) isCommand()  {}
func (SetParam) isCommand()       {}
func (SetDelay) isCommand()       {}
func (SetDelayParam) isCommand()  {}
func (SetSeed) isCommand()        {}
func (SaveProject) isCommand()    {}
func (LoadProject) isCommand()    {}

// DefaultQueueSize bounds the command backlog between block boundaries.
const DefaultQueueSize = 256

// Queue is a bounded many-producer single-consumer command queue. Producers
// never block: when the queue is full the command is dropped and logged,
// which keeps UI threads from stalling the audio path's feeders.
type Queue struct {
	ch chan Command
}

// NewQueue creates a queue with the given capacity (DefaultQueueSize if
// non-positive).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{ch: make(chan Command, capacity)}
}

// Push enqueues a command without blocking. Returns false when the queue is
// full and the command was dropped.
func (q *Queue) Push(c Command) bool {
	select {
	case q.ch <- c:
		return true
	default:
		debug.Log("command", "queue full, dropped %T", c)
		return false
	}
}

// Drain hands every queued command to apply, in arrival order, without
// blocking. Called once per block from the audio goroutine.
func (q *Queue) Drain(apply func(Command)) {
	for {
		select {
		case c := <-q.ch:
			apply(c)
		default:
			return
		}
	}
}
