package engine

import (
	"fmt"

	gomidi "gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register MIDI driver

	"go-daw/debug"
	"go-daw/graph"
)

// MidiMonitor echoes resolved note events to a hardware MIDI port, one
// channel per track. Emit is called from the audio goroutine and never
// blocks; a goroutine drains the queue and does the actual sends.
type MidiMonitor struct {
	send func(gomidi.Message) error
	ch   chan gomidi.Message
	stop chan struct{}
}

// NewMidiMonitor opens the named output port.
func NewMidiMonitor(portName string) (*MidiMonitor, error) {
	var send func(gomidi.Message) error
	for _, port := range gomidi.GetOutPorts() {
		if port.String() == portName {
			s, err := gomidi.SendTo(port)
			if err != nil {
				return nil, err
			}
			send = s
			break
		}
	}
	if send == nil {
		return nil, fmt.Errorf("engine: midi port %q not found", portName)
	}

	m := &MidiMonitor{
		send: send,
		ch:   make(chan gomidi.Message, 256),
		stop: make(chan struct{}),
	}
	go m.loop()
	return m, nil
}

func (m *MidiMonitor) loop() {
	for {
		select {
		case msg := <-m.ch:
			if err := m.send(msg); err != nil {
				debug.Log("midi", "send failed: %v", err)
			}
		case <-m.stop:
			return
		}
	}
}

// Emit queues note events for the given track. Intra-block offsets are
// dropped; MIDI hardware timing is block-granular here.
func (m *MidiMonitor) Emit(trackID int, events []graph.NoteEvent) {
	midiCh := uint8(trackID % 16)
	for _, ev := range events {
		var msg gomidi.Message
		if ev.Velocity > 0 {
			msg = gomidi.NoteOn(midiCh, ev.Note, ev.Velocity)
		} else {
			msg = gomidi.NoteOff(midiCh, ev.Note)
		}
		select {
		case m.ch <- msg:
		default:
			debug.Log("midi", "monitor queue full, dropped event")
		}
	}
}

// Close stops the send goroutine. The shared MIDI driver stays open for
// other users; main closes it on exit.
func (m *MidiMonitor) Close() {
	close(m.stop)
}
