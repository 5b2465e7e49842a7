package graph

import (
	"errors"
	"fmt"
	"testing"

	"go-daw/transport"
)

// constNode writes a fixed value to its single output.
type constNode struct {
	value float32
	runs  int
	log   *[]string
	name  string
}

func (c *constNode) NumInputs() int  { return 0 }
func (c *constNode) NumOutputs() int { return 1 }
func (c *constNode) Process(b *Block) error {
	c.runs++
	if c.log != nil {
		*c.log = append(*c.log, c.name)
	}
	out := b.Out[0][:b.Frames*Channels]
	for i := range out {
		out[i] = c.value
	}
	return nil
}

// passNode copies input to output.
type passNode struct {
	runs int
	log  *[]string
	name string
}

func (p *passNode) NumInputs() int  { return 1 }
func (p *passNode) NumOutputs() int { return 1 }
func (p *passNode) Process(b *Block) error {
	p.runs++
	if p.log != nil {
		*p.log = append(*p.log, p.name)
	}
	copy(b.Out[0][:b.Frames*Channels], b.In[0][:b.Frames*Channels])
	return nil
}

type failNode struct {
	err   error
	panic bool
}

func (f *failNode) NumInputs() int  { return 0 }
func (f *failNode) NumOutputs() int { return 1 }
func (f *failNode) Process(b *Block) error {
	if f.panic {
		panic("node blew up")
	}
	out := b.Out[0][:b.Frames*Channels]
	for i := range out {
		out[i] = 1
	}
	return f.err
}

func tinfo() transport.Info { return transport.Info{Tempo: 120} }

func indexOf(log []string, name string) int {
	for i, n := range log {
		if n == name {
			return i
		}
	}
	return -1
}

func TestDiamondRunsEachNodeOnceInOrder(t *testing.T) {
	g := New(48000, 64)
	var log []string

	src := &constNode{value: 0.5, log: &log, name: "src"}
	left := &passNode{log: &log, name: "left"}
	right := &passNode{log: &log, name: "right"}
	mix := NewMixBus(2)

	srcID := g.AddNode(src)
	leftID := g.AddNode(left)
	rightID := g.AddNode(right)
	mixID := g.AddNode(mix)

	if err := g.Connect(srcID, 0, leftID, 0); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect(srcID, 0, rightID, 0); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect(leftID, 0, mixID, 0); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect(rightID, 0, mixID, 1); err != nil {
		t.Fatal(err)
	}
	g.SetOutput(mixID)

	master, faults := g.ProcessBlock(64, tinfo(), nil, nil)
	if len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}
	if src.runs != 1 || left.runs != 1 || right.runs != 1 {
		t.Fatalf("runs src=%d left=%d right=%d, want 1 each", src.runs, left.runs, right.runs)
	}
	if indexOf(log, "src") > indexOf(log, "left") || indexOf(log, "src") > indexOf(log, "right") {
		t.Fatalf("source ran after a consumer: %v", log)
	}

	// Both strips at unity and center pan: each contributes 0.5 per side.
	want := float32(0.5 + 0.5)
	if master[0] != want || master[1] != want {
		t.Fatalf("master[0:2] = %v %v, want %v", master[0], master[1], want)
	}
}

func TestCycleRejectionLeavesGraphUnchanged(t *testing.T) {
	g := New(48000, 64)
	a := g.AddNode(&passNode{})
	b := g.AddNode(&passNode{})
	c := g.AddNode(&passNode{})
	if err := g.Connect(a, 0, b, 0); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect(b, 0, c, 0); err != nil {
		t.Fatal(err)
	}
	before := append([]NodeID{}, g.Order()...)

	err := g.Connect(c, 0, a, 0)
	var cyc *CycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("got %v, want CycleError", err)
	}

	after := g.Order()
	if fmt.Sprint(before) != fmt.Sprint(after) {
		t.Fatalf("rejected edge changed schedule: %v -> %v", before, after)
	}
	// Self loop is also a cycle.
	if err := g.Connect(a, 0, a, 0); err == nil {
		t.Fatal("self edge accepted")
	}
}

func TestConnectValidatesPorts(t *testing.T) {
	g := New(48000, 64)
	src := g.AddNode(&constNode{})
	dst := g.AddNode(&passNode{})

	var pe *PortError
	if err := g.Connect(src, 1, dst, 0); !errors.As(err, &pe) {
		t.Fatalf("bad output port: %v", err)
	}
	if err := g.Connect(src, 0, dst, 3); !errors.As(err, &pe) {
		t.Fatalf("bad input port: %v", err)
	}
	if err := g.Connect(99, 0, dst, 0); !errors.As(err, &pe) {
		t.Fatalf("unknown node: %v", err)
	}
	if len(g.Order()) != 2 {
		t.Fatal("rejected connects mutated graph")
	}
}

func TestFaultSilencesNodeAndKeepsRunning(t *testing.T) {
	g := New(48000, 64)
	bad := g.AddNode(&failNode{err: errors.New("broken")})
	good := &constNode{value: 0.25}
	goodID := g.AddNode(good)
	mix := NewMixBus(2)
	mixID := g.AddNode(mix)
	g.Connect(bad, 0, mixID, 0)
	g.Connect(goodID, 0, mixID, 1)
	g.SetOutput(mixID)

	master, faults := g.ProcessBlock(64, tinfo(), nil, nil)
	if len(faults) != 1 || faults[0].Node != bad {
		t.Fatalf("faults = %v", faults)
	}
	// The failed node wrote 1s before erroring; they must not reach the mix.
	if master[0] != 0.25 {
		t.Fatalf("master[0] = %v, want 0.25 (faulted branch silenced)", master[0])
	}
	if good.runs != 1 {
		t.Fatal("healthy node did not run")
	}

	// Next block is clean again for healthy nodes.
	_, faults = g.ProcessBlock(64, tinfo(), nil, nil)
	if len(faults) != 1 {
		t.Fatalf("second block faults = %v", faults)
	}
}

func TestPanicContained(t *testing.T) {
	g := New(48000, 64)
	bad := g.AddNode(&failNode{panic: true})
	g.SetOutput(bad)

	master, faults := g.ProcessBlock(64, tinfo(), nil, nil)
	if len(faults) != 1 {
		t.Fatalf("faults = %v", faults)
	}
	for _, s := range master {
		if s != 0 {
			t.Fatal("panicked node's output not silenced")
		}
	}
}

func TestRemoveNodeDetachesEdges(t *testing.T) {
	g := New(48000, 64)
	src := g.AddNode(&constNode{value: 1})
	mid := g.AddNode(&passNode{})
	mix := NewMixBus(1)
	mixID := g.AddNode(mix)
	g.Connect(src, 0, mid, 0)
	g.Connect(mid, 0, mixID, 0)
	g.SetOutput(mixID)

	if err := g.RemoveNode(mid); err != nil {
		t.Fatal(err)
	}
	master, faults := g.ProcessBlock(64, tinfo(), nil, nil)
	if len(faults) != 0 {
		t.Fatalf("faults after removal: %v", faults)
	}
	// Mix input is now unconnected, so the master is silence.
	for _, s := range master {
		if s != 0 {
			t.Fatal("dangling edge still feeding mix")
		}
	}
	if err := g.RemoveNode(mid); err == nil {
		t.Fatal("double remove accepted")
	}
}

func TestGainNode(t *testing.T) {
	g := New(48000, 64)
	src := g.AddNode(&constNode{value: 0.8})
	gain := NewGainNode()
	gain.SetParam(0, 0.5)
	gid := g.AddNode(gain)
	g.Connect(src, 0, gid, 0)
	g.SetOutput(gid)

	master, _ := g.ProcessBlock(64, tinfo(), nil, nil)
	if master[0] != 0.4 {
		t.Fatalf("master[0] = %v, want 0.4", master[0])
	}
}

func TestDelayNodeEchoAndFeedback(t *testing.T) {
	d := NewDelayNode(48000)
	d.SetParam(ParamDelayTime, 4.0/48000.0) // 4 frames
	d.SetParam(ParamDelayFeedback, 0.5)
	d.SetParam(ParamDelayMix, 1.0)

	frames := 16
	in := make([]float32, frames*Channels)
	in[0] = 1 // left-channel impulse at frame 0
	blk := &Block{
		Frames:     frames,
		SampleRate: 48000,
		Transport:  tinfo(),
		In:         [][]float32{in},
		Out:        [][]float32{make([]float32, frames*Channels)},
	}
	if err := d.Process(blk); err != nil {
		t.Fatal(err)
	}

	out := blk.Out[0]
	if out[0] != 1 {
		t.Fatalf("dry signal lost: out[0] = %v", out[0])
	}
	if got := out[4*Channels]; got != 1 {
		t.Fatalf("first echo = %v, want 1", got)
	}
	if got := out[8*Channels]; got != 0.5 {
		t.Fatalf("second echo = %v, want 0.5 at half feedback", got)
	}
	if out[1] != 0 || out[4*Channels+1] != 0 {
		t.Fatal("impulse bled into the right channel")
	}

	// Changing the time clears the line instead of replaying the tail.
	d.SetParam(ParamDelayTime, 8.0/48000.0)
	for i := range in {
		in[i] = 0
	}
	quiet := &Block{
		Frames:     frames,
		SampleRate: 48000,
		Transport:  tinfo(),
		In:         [][]float32{in},
		Out:        [][]float32{make([]float32, frames*Channels)},
	}
	if err := d.Process(quiet); err != nil {
		t.Fatal(err)
	}
	for i, s := range quiet.Out[0] {
		if s != 0 {
			t.Fatalf("stale tail at sample %d after time change: %v", i, s)
		}
	}
}

func TestInstrumentNoteOffsetAndSilence(t *testing.T) {
	g := New(48000, 128)
	inst := NewInstrument()
	id := g.AddNode(inst)
	g.SetOutput(id)

	notes := map[NodeID][]NoteEvent{
		id: {{Note: 69, Velocity: 127, Offset: 32}},
	}
	master, faults := g.ProcessBlock(128, tinfo(), notes, nil)
	if len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}
	for f := 0; f < 32; f++ {
		if master[f*2] != 0 {
			t.Fatalf("audio before note offset at frame %d", f)
		}
	}
	var energy float32
	for f := 32; f < 128; f++ {
		if master[f*2] < 0 {
			energy -= master[f*2]
		} else {
			energy += master[f*2]
		}
	}
	if energy == 0 {
		t.Fatal("no audio after note on")
	}
}
