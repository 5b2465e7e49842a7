package shmem

import (
	"sync/atomic"
	"unsafe"

	"go-daw/transport"
)

// Slot layout. The seqlock word sits first; 64-bit transport fields follow
// so everything atomic stays 8-byte aligned.
const (
	slotSeqOff       = 0
	slotPlayheadOff  = 8
	slotTempoOff     = 16
	slotBeatOff      = 24
	slotBarOff       = 32
	slotFlagsOff     = 36
	slotNoteCountOff = 40
	slotNotesOff     = 48
	slotAudioOff     = slotNotesOff + MaxEvents*8

	flagPlaying = 1 << 0
)

// NoteEvent is the fixed-size wire form of a note on/off inside a slot.
// Velocity 0 means note off. Exactly 8 bytes; the layout is shared between
// both processes, so fields must not be reordered.
type NoteEvent struct {
	Note     uint8
	Velocity uint8
	Channel  uint8
	_        uint8
	Offset   int32
}

// SlotData is the process-local copy of one slot's payload. Allocate it
// once with NewSlotData and reuse it across reads; no per-block garbage.
type SlotData struct {
	Transport transport.Info
	Notes     []NoteEvent
	Audio     [][]float32 // planar, one buffer per channel
}

// NewSlotData allocates a SlotData sized for the segment's geometry.
func NewSlotData(cfg Config) *SlotData {
	d := &SlotData{
		Notes: make([]NoteEvent, 0, MaxEvents),
		Audio: make([][]float32, cfg.Channels),
	}
	for ch := range d.Audio {
		d.Audio[ch] = make([]float32, cfg.FramesPerSlot)
	}
	return d
}

// Ring is one direction of slot traffic inside a segment. Exactly one
// process writes and one process reads; the cursors and per-slot seqlocks
// keep the two from ever waiting on each other.
type Ring struct {
	seg      *Segment
	base     int // byte offset of the first slot
	curs     int // byte offset of this ring's cursor block
	slotSize int
	count    uint64
}

// cursor block layout relative to curs: write, read, overruns, underruns.
const (
	curWrite    = 0
	curRead     = 8
	curOverrun  = 16
	curUnderrun = 24
	cursorBlock = 32
)

// HostToPlugin returns the ring the engine writes and the plugin reads.
func (s *Segment) HostToPlugin() *Ring {
	return &Ring{
		seg:      s,
		base:     headerSize,
		curs:     offCursors,
		slotSize: s.cfg.slotSize(),
		count:    uint64(s.cfg.SlotCount),
	}
}

// PluginToHost returns the ring the plugin writes and the engine reads.
func (s *Segment) PluginToHost() *Ring {
	return &Ring{
		seg:      s,
		base:     headerSize + s.cfg.SlotCount*s.cfg.slotSize(),
		curs:     offCursors + cursorBlock,
		slotSize: s.cfg.slotSize(),
		count:    uint64(s.cfg.SlotCount),
	}
}

func (r *Ring) cursor(off int) *uint64 { return r.seg.u64(r.curs + off) }

// Overruns returns how many unconsumed slots the writer has overwritten.
func (r *Ring) Overruns() uint64 { return atomic.LoadUint64(r.cursor(curOverrun)) }

// Underruns returns how many reads found no fresh slot.
func (r *Ring) Underruns() uint64 { return atomic.LoadUint64(r.cursor(curUnderrun)) }

// Pending returns how many written slots the reader has not consumed.
func (r *Ring) Pending() uint64 {
	return atomic.LoadUint64(r.cursor(curWrite)) - atomic.LoadUint64(r.cursor(curRead))
}

func (r *Ring) slotOff(idx uint64) int { return r.base + int(idx)*r.slotSize }

// WriteSlot publishes one block into the ring and returns the slot index it
// landed in. Never blocks: when the ring is full the oldest unconsumed slot
// is overwritten and the overrun counter bumped.
func (r *Ring) WriteSlot(tinfo transport.Info, notes []NoteEvent, audio [][]float32) uint32 {
	w := atomic.LoadUint64(r.cursor(curWrite))
	if w-atomic.LoadUint64(r.cursor(curRead)) >= r.count {
		atomic.AddUint64(r.cursor(curOverrun), 1)
	}
	idx := w % r.count
	off := r.slotOff(idx)
	seg := r.seg

	// Seqlock: odd while the payload is in flux. The sequence encodes the
	// write number so a reader can never confuse two writes to one slot.
	seq := seg.u64(off + slotSeqOff)
	atomic.StoreUint64(seq, 2*w+1)

	*seg.u64(off+slotPlayheadOff) = tinfo.PlayheadSamples
	*(*float64)(unsafe.Pointer(&seg.data[off+slotTempoOff])) = tinfo.Tempo
	*(*float64)(unsafe.Pointer(&seg.data[off+slotBeatOff])) = tinfo.Beat
	*(*int32)(unsafe.Pointer(&seg.data[off+slotBarOff])) = int32(tinfo.Bar)
	flags := uint32(0)
	if tinfo.Playing {
		flags |= flagPlaying
	}
	seg.putU32(off+slotFlagsOff, flags)

	n := len(notes)
	if n > MaxEvents {
		n = MaxEvents
	}
	seg.putU32(off+slotNoteCountOff, uint32(n))
	if n > 0 {
		dst := unsafe.Slice((*NoteEvent)(unsafe.Pointer(&seg.data[off+slotNotesOff])), MaxEvents)
		copy(dst, notes[:n])
	}

	frames := seg.cfg.FramesPerSlot
	for ch := 0; ch < seg.cfg.Channels && ch < len(audio); ch++ {
		dst := unsafe.Slice((*float32)(unsafe.Pointer(&seg.data[off+slotAudioOff+ch*frames*4])), frames)
		copy(dst, audio[ch])
	}

	atomic.StoreUint64(seq, 2*(w+1))
	atomic.StoreUint64(r.cursor(curWrite), w+1)
	return uint32(idx)
}

// TryReadSlot copies the newest unread slot into dst and marks everything
// up to it consumed. Returns false when no fresh slot exists or the read
// raced the writer on every retry; both count as an underrun since the
// reader renders silence either way.
func (r *Ring) TryReadSlot(dst *SlotData) (uint32, bool) {
	w := atomic.LoadUint64(r.cursor(curWrite))
	if w == atomic.LoadUint64(r.cursor(curRead)) {
		atomic.AddUint64(r.cursor(curUnderrun), 1)
		return 0, false
	}
	idx := (w - 1) % r.count
	off := r.slotOff(idx)
	seg := r.seg
	seq := seg.u64(off + slotSeqOff)

	for attempt := 0; attempt < 4; attempt++ {
		s1 := atomic.LoadUint64(seq)
		if s1&1 == 1 {
			continue
		}

		dst.Transport = transport.Info{
			PlayheadSamples: *seg.u64(off + slotPlayheadOff),
			Tempo:           *(*float64)(unsafe.Pointer(&seg.data[off+slotTempoOff])),
			Beat:            *(*float64)(unsafe.Pointer(&seg.data[off+slotBeatOff])),
			Bar:             int(*(*int32)(unsafe.Pointer(&seg.data[off+slotBarOff]))),
			Playing:         seg.getU32(off+slotFlagsOff)&flagPlaying != 0,
		}

		n := int(seg.getU32(off + slotNoteCountOff))
		if n > MaxEvents {
			n = MaxEvents
		}
		src := unsafe.Slice((*NoteEvent)(unsafe.Pointer(&seg.data[off+slotNotesOff])), MaxEvents)
		dst.Notes = append(dst.Notes[:0], src[:n]...)

		frames := seg.cfg.FramesPerSlot
		for ch := 0; ch < seg.cfg.Channels && ch < len(dst.Audio); ch++ {
			buf := unsafe.Slice((*float32)(unsafe.Pointer(&seg.data[off+slotAudioOff+ch*frames*4])), frames)
			copy(dst.Audio[ch], buf)
		}

		if atomic.LoadUint64(seq) == s1 {
			atomic.StoreUint64(r.cursor(curRead), w)
			return uint32(idx), true
		}
	}
	// Lost the seqlock race on every retry; the reader goes without a
	// block this round, same as an empty ring.
	atomic.AddUint64(r.cursor(curUnderrun), 1)
	return 0, false
}
