package graph

import (
	"go-daw/transport"
)

// Channels is the channel count of every graph buffer (interleaved stereo).
const Channels = 2

// DefaultBlockFrames is the default frames-per-block the engine runs at.
const DefaultBlockFrames = 512

// NodeID identifies a node within one Graph.
type NodeID int

// NoteEvent triggers or releases a voice inside one block. Offset is the
// intra-block sample offset, for timing finer than one block.
type NoteEvent struct {
	Note     uint8
	Velocity uint8 // 0 = note off
	Channel  uint8
	Offset   int32
}

// ParamEvent is a sample-positioned parameter change for one block.
type ParamEvent struct {
	ID     uint32
	Value  float32
	Offset int32
}

// Block carries everything a node needs to process one audio block.
// In holds one interleaved stereo buffer per input port, already produced
// by upstream nodes; Out is the node's buffers to fill. Buffers are
// Frames*Channels long.
type Block struct {
	Frames     int
	SampleRate int
	Transport  transport.Info
	In         [][]float32
	Out        [][]float32
	Notes      []NoteEvent
	Params     []ParamEvent
}

// Node is a unit in the processing graph. Process is called exactly once
// per block, after all of the node's inputs have been produced. It must not
// block, allocate on the steady path, or retain the block's buffers.
type Node interface {
	NumInputs() int
	NumOutputs() int
	Process(b *Block) error
}

// ParamSetter is implemented by nodes with addressable parameters.
type ParamSetter interface {
	SetParam(id uint32, value float32)
}

// Silence zeroes an interleaved buffer.
func Silence(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}
