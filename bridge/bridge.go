// Package bridge hosts a plugin in a separate process and exposes it as a
// graph node. Audio and note data move through a shared-memory segment;
// control traffic rides the host process's stdin/stdout. A plugin crash
// silences the node and raises one notice, it never takes the engine down.
package bridge

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go-daw/command"
	"go-daw/debug"
	"go-daw/graph"
	"go-daw/shmem"
)

// State is the bridge lifecycle phase.
type State int

const (
	Unloaded State = iota
	Launching
	Activated
	Processing
	Suspended
	Terminating
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Launching:
		return "launching"
	case Activated:
		return "activated"
	case Processing:
		return "processing"
	case Suspended:
		return "suspended"
	case Terminating:
		return "terminating"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// LoadError reports a plugin that failed to launch or activate. The process
// and segment are already torn down when this is returned.
type LoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bridge: load %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("bridge: load %s: %s", e.Path, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NoticeKind discriminates bridge notices.
type NoticeKind int

const (
	NoticeCrashed NoticeKind = iota + 1
	NoticeParamChanged
	NoticeError
)

// Notice is an asynchronous bridge event for the engine's fault stream.
type Notice struct {
	Kind    NoticeKind
	ParamID uint32
	Value   float32
	Code    uint32
	Message string
}

const (
	handshakeTimeout = 5 * time.Second
	shutdownTimeout  = 2 * time.Second

	// defaultLivenessTimeout bounds how long a Processing bridge tolerates
	// total silence from the host. Heartbeats arrive at 1 Hz, so expiry
	// means the host is wedged, not merely idle.
	defaultLivenessTimeout = 5 * time.Second
)

// Bridge runs one plugin host process. It implements graph.Node: Process
// writes the block into shared memory, fires a ProcessBlock command, and
// collects the previously finished block, so the plugin path carries one
// block of latency by construction.
//
// Process and SetParam run on the audio goroutine and never block; Load,
// Unload and Reload are control-path calls.
type Bridge struct {
	name     string   // segment name, unique per bridge
	hostArgv []string // host binary plus fixed args; -segment is appended
	cfg      shmem.Config

	mu         sync.Mutex
	state      State
	pluginPath string
	seg        *shmem.Segment
	toPlugin   *shmem.Ring
	fromPlugin *shmem.Ring
	proc       *exec.Cmd
	procDone   chan struct{}
	stdin      io.Closer
	crashOnce  *sync.Once

	seqMu sync.Mutex
	seq   uint64

	liveness  time.Duration
	lastEvent int64 // unix nanos of the last event off the wire, atomic

	cmdCh   chan command.HostCommand
	quit    chan struct{}
	replies chan command.PluginEvent
	notices chan Notice

	params map[uint32]float32

	readBuf  *shmem.SlotData
	planarIn [][]float32
	notes    []shmem.NoteEvent
}

// New creates an unloaded bridge. hostArgv is the plugin host binary plus
// any fixed arguments; the segment flag is appended at launch. name must be
// unique among live bridges since it names the shared-memory segment.
func New(name string, hostArgv []string, cfg shmem.Config) *Bridge {
	b := &Bridge{
		name:     name,
		hostArgv: hostArgv,
		cfg:      cfg,
		notices:  make(chan Notice, 16),
		params:   make(map[uint32]float32),
		liveness: defaultLivenessTimeout,
	}
	b.planarIn = make([][]float32, cfg.Channels)
	for ch := 0; ch < cfg.Channels; ch++ {
		b.planarIn[ch] = make([]float32, cfg.FramesPerSlot)
	}
	return b
}

// State returns the current lifecycle phase.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// PluginPath returns the path of the loaded (or crashed) plugin.
func (b *Bridge) PluginPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pluginPath
}

// Notices returns the bridge's event stream. The channel is buffered and
// never closed; stale notices are dropped rather than blocking.
func (b *Bridge) Notices() <-chan Notice { return b.notices }

// Params returns a copy of the parameter shadow cache.
func (b *Bridge) Params() map[uint32]float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uint32]float32, len(b.params))
	for k, v := range b.params {
		out[k] = v
	}
	return out
}

func (b *Bridge) nextSeq() uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	b.seq++
	return b.seq
}

// Load spawns the host process, maps the segment, and runs the activate and
// load handshakes. On any failure everything is torn down and a LoadError
// returned; the bridge is back in Unloaded.
func (b *Bridge) Load(path string) error {
	b.mu.Lock()
	if b.state != Unloaded {
		b.mu.Unlock()
		return &LoadError{Path: path, Reason: "already loaded"}
	}
	b.state = Launching
	b.mu.Unlock()

	seg, err := shmem.Create(b.name, b.cfg)
	if err != nil {
		b.setState(Unloaded)
		return &LoadError{Path: path, Reason: "segment", Err: err}
	}

	if len(b.hostArgv) == 0 {
		seg.Close()
		b.setState(Unloaded)
		return &LoadError{Path: path, Reason: "no host binary configured"}
	}
	args := append(append([]string{}, b.hostArgv[1:]...), "-segment", b.name)
	proc := exec.Command(b.hostArgv[0], args...)
	proc.Stderr = os.Stderr
	stdin, err := proc.StdinPipe()
	if err != nil {
		seg.Close()
		b.setState(Unloaded)
		return &LoadError{Path: path, Reason: "stdin pipe", Err: err}
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		seg.Close()
		b.setState(Unloaded)
		return &LoadError{Path: path, Reason: "stdout pipe", Err: err}
	}
	if err := proc.Start(); err != nil {
		seg.Close()
		b.setState(Unloaded)
		return &LoadError{Path: path, Reason: "spawn", Err: err}
	}

	b.mu.Lock()
	b.seg = seg
	b.toPlugin = seg.HostToPlugin()
	b.fromPlugin = seg.PluginToHost()
	b.proc = proc
	b.procDone = make(chan struct{})
	b.stdin = stdin
	b.pluginPath = path
	b.crashOnce = &sync.Once{}
	b.readBuf = shmem.NewSlotData(b.cfg)
	b.cmdCh = make(chan command.HostCommand, 64)
	b.quit = make(chan struct{})
	b.replies = make(chan command.PluginEvent, 64)
	cmdCh, replies := b.cmdCh, b.replies
	crashOnce, procDone, quit := b.crashOnce, b.procDone, b.quit
	atomic.StoreInt64(&b.lastEvent, time.Now().UnixNano())
	b.mu.Unlock()

	go b.writeLoop(command.NewWireWriter(stdin), cmdCh, quit)
	go b.readLoop(command.NewWireReader(stdout), replies)
	go b.watch(proc, procDone, crashOnce)
	go b.watchLiveness(proc, procDone, quit, crashOnce)

	activate := command.HostCommand{
		Kind:       command.HostActivate,
		SampleRate: uint32(b.cfg.SampleRate),
		BlockSize:  uint32(b.cfg.FramesPerSlot),
	}
	if _, err := b.roundTrip(activate, command.EventActivated); err != nil {
		b.teardown(true)
		return &LoadError{Path: path, Reason: "activate handshake", Err: err}
	}
	b.setState(Activated)

	ev, err := b.roundTrip(command.HostCommand{Kind: command.HostLoadPlugin, Path: path}, command.EventPluginLoaded)
	if err != nil {
		b.teardown(true)
		return &LoadError{Path: path, Reason: "plugin load", Err: err}
	}
	_ = ev

	b.setState(Processing)
	debug.Log("bridge", "%s: loaded %s", b.name, path)
	return nil
}

// roundTrip sends a command and waits for the matching reply kind with the
// same sequence number, within the handshake timeout.
func (b *Bridge) roundTrip(c command.HostCommand, want command.EventKind) (command.PluginEvent, error) {
	c.Seq = b.nextSeq()
	b.mu.Lock()
	ch, replies := b.cmdCh, b.replies
	b.mu.Unlock()
	if ch == nil {
		return command.PluginEvent{}, fmt.Errorf("bridge: not running")
	}
	ch <- c

	deadline := time.NewTimer(handshakeTimeout)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-replies:
			if !ok {
				return command.PluginEvent{}, fmt.Errorf("bridge: host exited during handshake")
			}
			if ev.Kind == command.EventError && ev.ReSeq == c.Seq {
				return ev, fmt.Errorf("bridge: host error %d: %s", ev.Code, ev.Message)
			}
			if ev.Kind == want && ev.ReSeq == c.Seq {
				return ev, nil
			}
		case <-deadline.C:
			return command.PluginEvent{}, fmt.Errorf("bridge: timeout waiting for %v", want)
		}
	}
}

func (b *Bridge) writeLoop(w *command.WireWriter, ch chan command.HostCommand, quit chan struct{}) {
	for {
		select {
		case c := <-ch:
			if err := w.WriteCommand(c); err != nil {
				debug.Log("bridge", "%s: write %v failed: %v", b.name, c.Kind, err)
				return
			}
		case <-quit:
			// Flush whatever is already queued (deactivate, shutdown)
			// before exiting.
			for {
				select {
				case c := <-ch:
					if w.WriteCommand(c) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) readLoop(r *command.WireReader, replies chan command.PluginEvent) {
	defer close(replies)
	for {
		ev, err := r.ReadEvent()
		if err != nil {
			return
		}
		atomic.StoreInt64(&b.lastEvent, time.Now().UnixNano())
		switch ev.Kind {
		case command.EventParamChanged:
			b.mu.Lock()
			b.params[ev.ParamID] = ev.Value
			b.mu.Unlock()
			b.notify(Notice{Kind: NoticeParamChanged, ParamID: ev.ParamID, Value: ev.Value})
		case command.EventHeartbeat, command.EventProcessDone:
			// Liveness only; processed audio arrives through the ring.
		case command.EventError:
			if ev.ReSeq == 0 {
				b.notify(Notice{Kind: NoticeError, Code: ev.Code, Message: ev.Message})
				continue
			}
			b.offerReply(replies, ev)
		default:
			b.offerReply(replies, ev)
		}
	}
}

// offerReply hands a handshake reply to whoever is waiting in roundTrip.
// Outside a handshake nobody reads the channel, so the send must not block
// the reader goroutine; stale replies are dropped.
func (b *Bridge) offerReply(replies chan command.PluginEvent, ev command.PluginEvent) {
	select {
	case replies <- ev:
	default:
		debug.Log("bridge", "%s: dropped reply %v reSeq=%d", b.name, ev.Kind, ev.ReSeq)
	}
}

// watchLiveness detects a host that wedges without exiting. While the
// bridge is Processing, the host is expected to produce events at least
// once per second (heartbeats at minimum); when the wire goes silent for
// the liveness window the bridge declares the plugin crashed and kills the
// process. The shared once keeps this path and watch from double-reporting.
func (b *Bridge) watchLiveness(proc *exec.Cmd, done, quit chan struct{}, once *sync.Once) {
	poll := b.liveness / 4
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.mu.Lock()
			st := b.state
			b.mu.Unlock()
			if st != Processing {
				continue
			}
			last := time.Unix(0, atomic.LoadInt64(&b.lastEvent))
			if time.Since(last) < b.liveness {
				continue
			}
			b.setState(Terminating)
			once.Do(func() {
				debug.Log("bridge", "%s: host unresponsive for %v", b.name, b.liveness)
				b.notify(Notice{
					Kind:    NoticeCrashed,
					Message: fmt.Sprintf("plugin host unresponsive for %v", b.liveness),
				})
			})
			proc.Process.Kill()
			return
		case <-done:
			return
		case <-quit:
			return
		}
	}
}

// watch waits on the host process. An exit while we still think we are
// running is a crash: the node goes silent and exactly one crash notice is
// raised.
func (b *Bridge) watch(proc *exec.Cmd, done chan struct{}, once *sync.Once) {
	err := proc.Wait()
	close(done)
	b.mu.Lock()
	expected := b.state == Terminating || b.state == Unloaded || b.crashOnce != once
	if !expected {
		b.state = Terminating
	}
	b.mu.Unlock()
	if expected {
		return
	}
	once.Do(func() {
		debug.Log("bridge", "%s: host crashed: %v", b.name, err)
		b.notify(Notice{Kind: NoticeCrashed, Message: fmt.Sprintf("plugin host exited: %v", err)})
	})
}

func (b *Bridge) notify(n Notice) {
	select {
	case b.notices <- n:
	default:
	}
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Unload deactivates and shuts the host down, waiting briefly before
// killing it, and always releases the segment. Safe to call in any state.
func (b *Bridge) Unload() {
	b.mu.Lock()
	if b.state == Unloaded {
		b.mu.Unlock()
		return
	}
	running := b.state == Processing || b.state == Activated || b.state == Suspended
	b.state = Terminating
	ch := b.cmdCh
	b.mu.Unlock()

	if running && ch != nil {
		seq := b.nextSeq()
		select {
		case ch <- command.HostCommand{Seq: seq, Kind: command.HostDeactivate}:
		default:
		}
		seq = b.nextSeq()
		select {
		case ch <- command.HostCommand{Seq: seq, Kind: command.HostShutdown}:
		default:
		}
	}
	b.teardown(running)
}

// teardown stops the writer, closes stdin, waits out or kills the process,
// and removes the segment.
func (b *Bridge) teardown(wait bool) {
	b.mu.Lock()
	proc := b.proc
	done := b.procDone
	stdin := b.stdin
	seg := b.seg
	quit := b.quit
	b.proc = nil
	b.procDone = nil
	b.stdin = nil
	b.seg = nil
	b.toPlugin = nil
	b.fromPlugin = nil
	b.cmdCh = nil
	b.quit = nil
	b.replies = nil
	b.state = Unloaded
	b.mu.Unlock()

	if quit != nil {
		close(quit)
	}
	if stdin != nil {
		stdin.Close()
	}
	if proc != nil && proc.Process != nil && done != nil {
		if wait {
			select {
			case <-done:
			case <-time.After(shutdownTimeout):
				proc.Process.Kill()
				<-done
			}
		} else {
			proc.Process.Kill()
			<-done
		}
	}
	if seg != nil {
		seg.Close()
	}
}

// Reload relaunches a crashed (or loaded) plugin and replays the parameter
// shadow cache, so the new instance picks up where the old one died.
func (b *Bridge) Reload() error {
	b.mu.Lock()
	path := b.pluginPath
	cached := make(map[uint32]float32, len(b.params))
	for k, v := range b.params {
		cached[k] = v
	}
	b.mu.Unlock()
	if path == "" {
		return &LoadError{Reason: "nothing to reload"}
	}

	b.teardown(false)
	if err := b.Load(path); err != nil {
		return err
	}
	for id, v := range cached {
		b.SetParam(id, v)
	}
	return nil
}

// SimulateCrash asks the host to abort itself. Testing hook for the crash
// recovery path.
func (b *Bridge) SimulateCrash() {
	b.mu.Lock()
	ch := b.cmdCh
	b.mu.Unlock()
	if ch == nil {
		return
	}
	seq := b.nextSeq()
	select {
	case ch <- command.HostCommand{Seq: seq, Kind: command.HostSimulateCrash}:
	default:
	}
}

// SetParam caches the value and forwards it to the host. The cache is what
// Reload replays after a crash.
func (b *Bridge) SetParam(id uint32, value float32) {
	b.mu.Lock()
	b.params[id] = value
	ch := b.cmdCh
	st := b.state
	b.mu.Unlock()
	if ch == nil || (st != Processing && st != Activated) {
		return
	}
	seq := b.nextSeq()
	select {
	case ch <- command.HostCommand{Seq: seq, Kind: command.HostSetParam, ParamID: id, Value: value}:
	default:
		debug.Log("bridge", "%s: command channel full, dropped SetParam", b.name)
	}
}

func (b *Bridge) NumInputs() int  { return 1 }
func (b *Bridge) NumOutputs() int { return 1 }

// Process implements graph.Node. When the plugin is not in Processing the
// output is silence and the block is dropped. The lock is held for the
// whole block: teardown takes the same lock before unmapping the segment,
// so a concurrent Unload or Reload can never pull the rings out from under
// an in-flight block.
func (b *Bridge) Process(blk *graph.Block) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := blk.Out[0][:blk.Frames*graph.Channels]
	if b.state != Processing || b.toPlugin == nil {
		graph.Silence(out)
		return nil
	}

	for _, p := range blk.Params {
		b.params[p.ID] = p.Value
		b.offerCommand(command.HostCommand{
			Seq: b.nextSeq(), Kind: command.HostSetParam, ParamID: p.ID, Value: p.Value,
		})
	}

	// Deinterleave the input and convert note events to their wire form.
	in := blk.In[0]
	for f := 0; f < blk.Frames; f++ {
		b.planarIn[0][f] = in[f*2]
		b.planarIn[1][f] = in[f*2+1]
	}
	b.notes = b.notes[:0]
	for _, ev := range blk.Notes {
		b.notes = append(b.notes, shmem.NoteEvent{
			Note:     ev.Note,
			Velocity: ev.Velocity,
			Channel:  ev.Channel,
			Offset:   ev.Offset,
		})
	}

	slot := b.toPlugin.WriteSlot(blk.Transport, b.notes, b.planarIn)
	b.offerCommand(command.HostCommand{
		Seq: b.nextSeq(), Kind: command.HostProcessBlock, Slot: slot,
	})

	// Collect the previous block. A miss is the expected first-block case
	// or a late plugin; either way the node emits silence, never stalls.
	if _, ok := b.fromPlugin.TryReadSlot(b.readBuf); ok {
		for f := 0; f < blk.Frames; f++ {
			out[f*2] = b.readBuf.Audio[0][f]
			out[f*2+1] = b.readBuf.Audio[1][f]
		}
	} else {
		graph.Silence(out)
	}
	return nil
}

// offerCommand sends on the command channel without blocking. Caller holds
// b.mu with the bridge running, so cmdCh is non-nil.
func (b *Bridge) offerCommand(c command.HostCommand) {
	select {
	case b.cmdCh <- c:
	default:
		debug.Log("bridge", "%s: command channel full, dropped %v", b.name, c.Kind)
	}
}
