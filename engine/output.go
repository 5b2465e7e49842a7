package engine

import (
	"time"

	"go-daw/debug"
)

// Output drives the engine's block pipeline. Exactly one output runs per
// engine; it owns the goroutine that calls ProcessBlock.
type Output interface {
	Start() error
	Stop()
}

// HeadlessOutput runs the pipeline on a wall-clock ticker and discards the
// audio. Used when no audio device exists (tests, CI, render-only runs).
type HeadlessOutput struct {
	e    *Engine
	stop chan struct{}
	done chan struct{}
}

func NewHeadlessOutput(e *Engine) *HeadlessOutput {
	return &HeadlessOutput{e: e}
}

func (o *HeadlessOutput) Start() error {
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	period := time.Duration(o.e.cfg.BlockFrames) * time.Second / time.Duration(o.e.cfg.SampleRate)
	go func() {
		defer close(o.done)
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				o.e.ProcessBlock(o.e.cfg.BlockFrames)
			case <-o.stop:
				return
			}
		}
	}()
	debug.Log("engine", "headless output at %v per block", period)
	return nil
}

func (o *HeadlessOutput) Stop() {
	if o.stop == nil {
		return
	}
	close(o.stop)
	<-o.done
	o.stop = nil
}
