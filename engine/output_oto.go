package engine

import (
	"encoding/binary"
	"math"

	"github.com/ebitengine/oto/v3"

	"go-daw/graph"
)

// OtoOutput plays the master bus through the system audio device. The oto
// player pulls from an io.Reader; each Read that finds the scratch buffer
// empty renders one engine block, so the device clock paces the pipeline.
type OtoOutput struct {
	e      *Engine
	ctx    *oto.Context
	player *oto.Player
}

func NewOtoOutput(e *Engine) *OtoOutput {
	return &OtoOutput{e: e}
}

func (o *OtoOutput) Start() error {
	op := &oto.NewContextOptions{
		SampleRate:   o.e.cfg.SampleRate,
		ChannelCount: graph.Channels,
		Format:       oto.FormatFloat32LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return err
	}
	<-ready
	o.ctx = ctx
	o.player = ctx.NewPlayer(&blockReader{e: o.e})
	o.player.Play()
	return nil
}

func (o *OtoOutput) Stop() {
	if o.player != nil {
		o.player.Close()
		o.player = nil
	}
}

// blockReader adapts ProcessBlock to io.Reader, converting the interleaved
// float32 master buffer to little-endian bytes.
type blockReader struct {
	e       *Engine
	scratch []byte
	pending []byte
}

func (r *blockReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		master := r.e.ProcessBlock(r.e.cfg.BlockFrames)
		need := len(master) * 4
		if cap(r.scratch) < need {
			r.scratch = make([]byte, need)
		}
		for i, s := range master {
			binary.LittleEndian.PutUint32(r.scratch[i*4:], math.Float32bits(s))
		}
		r.pending = r.scratch[:need]
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
