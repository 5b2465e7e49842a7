// Package shmem implements the shared-memory audio segment between the
// engine and an out-of-process plugin host. One segment carries two rings
// of fixed-size slots: host-to-plugin (input audio plus note and transport
// data) and plugin-to-host (processed audio). Slot payloads are guarded by
// per-slot seqlocks and ring cursors are plain atomics, so neither side
// ever takes a lock or blocks on the other.
package shmem

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"go-daw/debug"
)

const (
	// Magic marks a mapped file as one of ours ("gDAW").
	Magic   = 0x67444157
	Version = 1

	// MaxEvents bounds the note events one slot can carry.
	MaxEvents = 128

	headerSize = 128

	// Header field offsets. The 64-bit cursors start at 32 so they stay
	// 8-byte aligned for atomic access.
	offMagic      = 0
	offVersion    = 4
	offGeneration = 8
	offSampleRate = 12
	offChannels   = 16
	offFrames     = 20
	offSlotCount  = 24
	offMaxEvents  = 28
	offCursors    = 32 // 8 uint64s: write/read/overrun/underrun per ring
)

// Config fixes slot geometry for a segment. Both processes must agree on
// it, so the creator writes it into the header and Open reads it back.
type Config struct {
	SampleRate    int
	Channels      int
	FramesPerSlot int
	SlotCount     int
}

// slotSize returns the byte size of one slot for this geometry, rounded to
// a 64-byte boundary so slots never share a cache line.
func (c Config) slotSize() int {
	n := slotAudioOff + c.Channels*c.FramesPerSlot*4
	return (n + 63) &^ 63
}

func (c Config) segmentSize() int {
	return headerSize + 2*c.SlotCount*c.slotSize()
}

// FormatError reports a mapped file that is not a valid segment.
type FormatError struct {
	Name   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("shmem: %s: %s", e.Name, e.Reason)
}

// Segment is one mapped shared-memory file. The creator (the engine) owns
// the file's lifetime; the plugin host opens and closes its own mapping.
type Segment struct {
	name    string
	path    string
	data    []byte
	cfg     Config
	creator bool
}

func segmentPath(name string) string {
	return filepath.Join("/dev/shm", "go-daw-"+name)
}

// Create makes (or remakes) a segment and maps it. If a file with the same
// name already exists its generation counter is carried forward and bumped,
// so a stale mapping in a lingering host process can tell it is orphaned.
func Create(name string, cfg Config) (*Segment, error) {
	if cfg.Channels <= 0 || cfg.FramesPerSlot <= 0 || cfg.SlotCount <= 0 {
		return nil, &FormatError{Name: name, Reason: "bad geometry"}
	}
	path := segmentPath(name)

	generation := uint32(1)
	if old, err := os.ReadFile(path); err == nil && len(old) >= headerSize {
		if *(*uint32)(unsafe.Pointer(&old[offMagic])) == Magic {
			generation = *(*uint32)(unsafe.Pointer(&old[offGeneration])) + 1
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmem: create %s: %w", name, err)
	}
	defer f.Close()

	size := cfg.segmentSize()
	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("shmem: size %s: %w", name, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmem: mmap %s: %w", name, err)
	}
	for i := range data {
		data[i] = 0
	}

	s := &Segment{name: name, path: path, data: data, cfg: cfg, creator: true}
	s.putU32(offVersion, Version)
	s.putU32(offGeneration, generation)
	s.putU32(offSampleRate, uint32(cfg.SampleRate))
	s.putU32(offChannels, uint32(cfg.Channels))
	s.putU32(offFrames, uint32(cfg.FramesPerSlot))
	s.putU32(offSlotCount, uint32(cfg.SlotCount))
	s.putU32(offMaxEvents, MaxEvents)
	// Magic last: a reader that sees it can trust the rest of the header.
	atomic.StoreUint32(s.u32(offMagic), Magic)

	debug.Log("shmem", "created %s gen=%d slots=%d frames=%d", name, generation, cfg.SlotCount, cfg.FramesPerSlot)
	return s, nil
}

// Open maps an existing segment read-write without taking ownership of the
// file. Fails if the header does not validate.
func Open(name string) (*Segment, error) {
	path := segmentPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %s: %w", name, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("shmem: stat %s: %w", name, err)
	}
	if st.Size() < headerSize {
		return nil, &FormatError{Name: name, Reason: "truncated header"}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmem: mmap %s: %w", name, err)
	}

	s := &Segment{name: name, path: path, data: data}
	if atomic.LoadUint32(s.u32(offMagic)) != Magic {
		unix.Munmap(data)
		return nil, &FormatError{Name: name, Reason: "bad magic"}
	}
	if v := s.getU32(offVersion); v != Version {
		unix.Munmap(data)
		return nil, &FormatError{Name: name, Reason: fmt.Sprintf("version %d, want %d", v, Version)}
	}
	s.cfg = Config{
		SampleRate:    int(s.getU32(offSampleRate)),
		Channels:      int(s.getU32(offChannels)),
		FramesPerSlot: int(s.getU32(offFrames)),
		SlotCount:     int(s.getU32(offSlotCount)),
	}
	if int64(s.cfg.segmentSize()) > st.Size() {
		unix.Munmap(data)
		return nil, &FormatError{Name: name, Reason: "geometry exceeds file size"}
	}
	return s, nil
}

// Close unmaps the segment. The creator also removes the backing file, so
// no segment outlives its engine.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if s.creator {
		if rmErr := os.Remove(s.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// Name returns the segment name passed to Create or Open.
func (s *Segment) Name() string { return s.name }

// Config returns the slot geometry read from the header.
func (s *Segment) Config() Config { return s.cfg }

// Generation returns the header generation counter.
func (s *Segment) Generation() uint32 { return s.getU32(offGeneration) }

func (s *Segment) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.data[off]))
}

func (s *Segment) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.data[off]))
}

func (s *Segment) putU32(off int, v uint32) { *s.u32(off) = v }
func (s *Segment) getU32(off int) uint32    { return *s.u32(off) }
