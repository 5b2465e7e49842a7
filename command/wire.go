package command

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
)

// The engine and the plugin host talk over the host process's stdin/stdout:
// one message per line, gob-encoded then base64'd so the payload can never
// contain a newline. Audio itself moves through shared memory; this channel
// carries only control traffic, so per-line codec overhead is irrelevant.

// HostKind discriminates engine-to-plugin commands.
type HostKind uint8

const (
	HostActivate HostKind = iota + 1
	HostDeactivate
	HostLoadPlugin
	HostProcessBlock
	HostSetParam
	HostSimulateCrash
	HostShutdown
)

func (k HostKind) String() string {
	switch k {
	case HostActivate:
		return "activate"
	case HostDeactivate:
		return "deactivate"
	case HostLoadPlugin:
		return "loadPlugin"
	case HostProcessBlock:
		return "processBlock"
	case HostSetParam:
		return "setParam"
	case HostSimulateCrash:
		return "simulateCrash"
	case HostShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("hostKind(%d)", uint8(k))
}

// HostCommand is one engine-to-plugin message. Seq increases by one per
// command so the engine can match replies and spot gaps after a crash.
type HostCommand struct {
	Seq  uint64
	Kind HostKind

	SampleRate uint32  // Activate
	BlockSize  uint32  // Activate: frames per slot
	Slot       uint32  // ProcessBlock: index of the slot just written
	ParamID    uint32  // SetParam
	Value      float32 // SetParam
	Path       string  // LoadPlugin: plugin identifier or path
}

// EventKind discriminates plugin-to-engine events.
type EventKind uint8

const (
	EventActivated EventKind = iota + 1
	EventPluginLoaded
	EventProcessDone
	EventParamChanged
	EventError
	EventHeartbeat
)

func (k EventKind) String() string {
	switch k {
	case EventActivated:
		return "activated"
	case EventPluginLoaded:
		return "pluginLoaded"
	case EventProcessDone:
		return "processDone"
	case EventParamChanged:
		return "paramChanged"
	case EventError:
		return "error"
	case EventHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("eventKind(%d)", uint8(k))
}

// PluginEvent is one plugin-to-engine message. ReSeq names the command it
// answers; unsolicited events (heartbeat, param sweeps) carry ReSeq 0.
type PluginEvent struct {
	ReSeq uint64
	Kind  EventKind

	Slot    uint32  // ProcessDone: slot the plugin finished
	ParamID uint32  // ParamChanged
	Value   float32 // ParamChanged
	Code    uint32  // Error
	Message string  // Error
}

// Error codes carried by EventError.
const (
	ErrCodeUnknown uint32 = iota
	ErrCodeLoadFailed
	ErrCodeNotProcessing
	ErrCodePanic
	ErrCodeBadCommand
	ErrCodeGeometry
)

// encodeLine gobs v and base64s it onto one line. Each line is a complete
// gob stream so the reader can decode lines independently, in any process.
func encodeLine(v any) ([]byte, error) {
	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(v); err != nil {
		return nil, err
	}
	enc := base64.StdEncoding
	line := make([]byte, enc.EncodedLen(raw.Len())+1)
	enc.Encode(line, raw.Bytes())
	line[len(line)-1] = '\n'
	return line, nil
}

func decodeLine(line []byte, v any) error {
	enc := base64.StdEncoding
	raw := make([]byte, enc.DecodedLen(len(line)))
	n, err := enc.Decode(raw, line)
	if err != nil {
		return fmt.Errorf("wire: bad base64: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(raw[:n])).Decode(v); err != nil {
		return fmt.Errorf("wire: bad payload: %w", err)
	}
	return nil
}

// WireWriter frames messages onto a stream. Safe for concurrent use; each
// message is written and flushed atomically.
type WireWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewWireWriter(w io.Writer) *WireWriter {
	return &WireWriter{w: bufio.NewWriter(w)}
}

// WriteCommand sends one host command.
func (w *WireWriter) WriteCommand(c HostCommand) error { return w.write(&c) }

// WriteEvent sends one plugin event.
func (w *WireWriter) WriteEvent(e PluginEvent) error { return w.write(&e) }

func (w *WireWriter) write(v any) error {
	line, err := encodeLine(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(line); err != nil {
		return err
	}
	return w.w.Flush()
}

// WireReader reads framed messages off a stream. Not safe for concurrent
// use; each side owns exactly one reader goroutine.
type WireReader struct {
	s *bufio.Scanner
}

func NewWireReader(r io.Reader) *WireReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &WireReader{s: s}
}

// ReadCommand blocks for the next host command. Returns io.EOF when the
// peer closes the stream.
func (r *WireReader) ReadCommand() (HostCommand, error) {
	var c HostCommand
	line, err := r.next()
	if err != nil {
		return c, err
	}
	return c, decodeLine(line, &c)
}

// ReadEvent blocks for the next plugin event.
func (r *WireReader) ReadEvent() (PluginEvent, error) {
	var e PluginEvent
	line, err := r.next()
	if err != nil {
		return e, err
	}
	return e, decodeLine(line, &e)
}

func (r *WireReader) next() ([]byte, error) {
	for r.s.Scan() {
		line := r.s.Bytes()
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := r.s.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
