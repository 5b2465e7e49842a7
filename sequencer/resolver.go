package sequencer

import (
	"sort"

	"go-daw/graph"
	"go-daw/transport"
)

// pendingEvent is a note on or off scheduled at an absolute sample position.
// Rolls and long gates routinely land past the current block, so events wait
// here until the playhead reaches them. Velocity 0 means note off.
type pendingEvent struct {
	track    int
	at       uint64
	note     uint8
	velocity uint8
}

// Sequencer resolves step patterns into sample-accurate note events, one
// block at a time. It holds one pattern per track and the note-on/off
// schedule that spills across block boundaries.
//
// All methods run on the audio goroutine; pattern edits arrive through
// drained commands, never concurrently.
type Sequencer struct {
	sampleRate int
	seed       uint64
	patterns   map[int]*Pattern
	pending    []pendingEvent
	sounding   map[int][]uint8 // notes currently on, per track
}

// New creates an empty sequencer at the given sample rate.
func New(sampleRate int) *Sequencer {
	return &Sequencer{
		sampleRate: sampleRate,
		seed:       0xDA0DA0,
		patterns:   make(map[int]*Pattern),
		sounding:   make(map[int][]uint8),
	}
}

// SetSeed replaces the probability seed. The same seed replays the same
// probability decisions from the same transport position.
func (s *Sequencer) SetSeed(seed uint64) { s.seed = seed }

// AddTrack registers a track with a default pattern.
func (s *Sequencer) AddTrack(track int) {
	if _, ok := s.patterns[track]; !ok {
		s.patterns[track] = NewPattern()
	}
}

// RemoveTrack drops a track and any of its scheduled events.
func (s *Sequencer) RemoveTrack(track int) {
	delete(s.patterns, track)
	delete(s.sounding, track)
	kept := s.pending[:0]
	for _, e := range s.pending {
		if e.track != track {
			kept = append(kept, e)
		}
	}
	s.pending = kept
}

// Pattern returns the track's pattern, or nil for an unknown track.
func (s *Sequencer) Pattern(track int) *Pattern { return s.patterns[track] }

// Tracks returns the registered track ids in ascending order.
func (s *Sequencer) Tracks() []int {
	ids := make([]int, 0, len(s.patterns))
	for id := range s.patterns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// samplesPerStep converts one grid step to samples at the given tempo.
func (s *Sequencer) samplesPerStep(tempo float64) float64 {
	return 60.0 * float64(s.sampleRate) / (tempo * StepsPerBeat)
}

// ResolveBlock turns the transport delta into per-track note events with
// intra-block sample offsets. Events are offset-sorted, note offs before ons
// at the same offset so retriggers of the same pitch behave.
//
// When the transport is not playing it emits note offs for everything still
// sounding and drops the rest of the schedule.
func (s *Sequencer) ResolveBlock(delta transport.PlayheadDelta, tempo float64) map[int][]graph.NoteEvent {
	if !delta.Playing {
		return s.flushAll()
	}

	sps := s.samplesPerStep(tempo)

	// First step counter whose trigger beat falls inside [StartBeat, EndBeat).
	counter := uint64(delta.StartBeat * StepsPerBeat)
	for float64(counter)*StepBeats < delta.StartBeat {
		counter++
	}

	for float64(counter)*StepBeats < delta.EndBeat {
		trigSample := uint64(float64(counter)*StepBeats*60.0*float64(s.sampleRate)/tempo + 0.5)
		if trigSample < delta.StartSample {
			trigSample = delta.StartSample
		}
		for track, p := range s.patterns {
			s.triggerStep(track, p, counter, trigSample, sps)
		}
		counter++
	}

	return s.drain(delta)
}

// triggerStep schedules the note on/off pairs for one track at one step
// counter. Probability and mutes gate here; rolls expand into sub-triggers.
func (s *Sequencer) triggerStep(track int, p *Pattern, counter, trigSample uint64, sps float64) {
	if p.Muted {
		return
	}
	idx := StepIndex(counter, p.Direction, p.LoopStart, p.LoopEnd)
	step := p.Steps[idx]
	if step.Velocity == 0 {
		return
	}
	iteration := counter / uint64(p.LoopLen())
	if probDraw(s.seed, track, idx, iteration) >= step.Probability {
		return
	}

	gateWindow := int(step.Gate * sps)
	if gateWindow < 1 {
		gateWindow = 1
	}
	for _, sub := range step.Performance.Expand(gateWindow) {
		pitch := int(step.Pitch) + sub.PitchOffset
		if pitch < 0 || pitch > 127 {
			continue
		}
		length := sub.Length
		if length < 1 {
			length = 1
		}
		on := trigSample + uint64(sub.Offset)
		s.pending = append(s.pending,
			pendingEvent{track: track, at: on, note: uint8(pitch), velocity: step.Velocity},
			pendingEvent{track: track, at: on + uint64(length), note: uint8(pitch)},
		)
	}
}

// drain moves every scheduled event that falls inside the delta into the
// per-track output, tracking which notes are left sounding.
func (s *Sequencer) drain(delta transport.PlayheadDelta) map[int][]graph.NoteEvent {
	out := make(map[int][]graph.NoteEvent)
	kept := s.pending[:0]
	for _, e := range s.pending {
		if e.at >= delta.EndSample {
			kept = append(kept, e)
			continue
		}
		at := e.at
		if at < delta.StartSample {
			at = delta.StartSample
		}
		out[e.track] = append(out[e.track], graph.NoteEvent{
			Note:     e.note,
			Velocity: e.velocity,
			Offset:   int32(at - delta.StartSample),
		})
		s.markSounding(e.track, e.note, e.velocity)
	}
	s.pending = kept

	for track := range out {
		evs := out[track]
		sort.SliceStable(evs, func(i, j int) bool {
			if evs[i].Offset != evs[j].Offset {
				return evs[i].Offset < evs[j].Offset
			}
			return evs[i].Velocity < evs[j].Velocity
		})
	}
	return out
}

func (s *Sequencer) markSounding(track int, note, velocity uint8) {
	notes := s.sounding[track]
	if velocity > 0 {
		s.sounding[track] = append(notes, note)
		return
	}
	for i, n := range notes {
		if n == note {
			s.sounding[track] = append(notes[:i], notes[i+1:]...)
			return
		}
	}
}

// flushAll emits a note off at offset zero for every sounding note and
// clears the schedule. Called when the transport stops mid-note.
func (s *Sequencer) flushAll() map[int][]graph.NoteEvent {
	if len(s.sounding) == 0 && len(s.pending) == 0 {
		return nil
	}
	out := make(map[int][]graph.NoteEvent)
	for track, notes := range s.sounding {
		for _, n := range notes {
			out[track] = append(out[track], graph.NoteEvent{Note: n})
		}
		delete(s.sounding, track)
	}
	s.pending = s.pending[:0]
	if len(out) == 0 {
		return nil
	}
	return out
}
