package bridge

import (
	"fmt"
	"os"
	"testing"
	"time"

	"go-daw/command"
	"go-daw/graph"
	"go-daw/shmem"
	"go-daw/transport"
)

func testConfig() shmem.Config {
	return shmem.Config{SampleRate: 48000, Channels: 2, FramesPerSlot: 64, SlotCount: 4}
}

// helperArgv relaunches this test binary as a fake plugin host; the bridge
// appends -segment to it.
func helperArgv() []string {
	return []string{os.Args[0], "-test.run=TestHelperProcess$", "--"}
}

func segFile(name string) string { return "/dev/shm/go-daw-" + name }

// TestHelperProcess is not a real test: it becomes the plugin host when the
// bridge relaunches the test binary. A normal test run takes the early
// return.
func TestHelperProcess(t *testing.T) {
	sep := -1
	for i, a := range os.Args {
		if a == "--" {
			sep = i
			break
		}
	}
	if sep < 0 {
		return
	}
	var segName string
	args := os.Args[sep+1:]
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-segment" {
			segName = args[i+1]
		}
	}

	seg, err := shmem.Open(segName)
	if err != nil {
		os.Exit(1)
	}
	fromEngine := seg.HostToPlugin()
	toEngine := seg.PluginToHost()
	in := shmem.NewSlotData(seg.Config())
	out := make([][]float32, seg.Config().Channels)
	for ch := range out {
		out[ch] = make([]float32, seg.Config().FramesPerSlot)
	}

	w := command.NewWireWriter(os.Stdout)
	r := command.NewWireReader(os.Stdin)
	for {
		cmd, err := r.ReadCommand()
		if err != nil {
			os.Exit(0)
		}
		switch cmd.Kind {
		case command.HostActivate:
			if cmd.SampleRate != uint32(seg.Config().SampleRate) || cmd.BlockSize != uint32(seg.Config().FramesPerSlot) {
				w.WriteEvent(command.PluginEvent{ReSeq: cmd.Seq, Kind: command.EventError, Code: command.ErrCodeGeometry, Message: "activate geometry does not match segment"})
				continue
			}
			w.WriteEvent(command.PluginEvent{ReSeq: cmd.Seq, Kind: command.EventActivated})
		case command.HostDeactivate:
			w.WriteEvent(command.PluginEvent{ReSeq: cmd.Seq, Kind: command.EventActivated})
		case command.HostLoadPlugin:
			if cmd.Path == "fail" {
				w.WriteEvent(command.PluginEvent{ReSeq: cmd.Seq, Kind: command.EventError, Code: command.ErrCodeLoadFailed, Message: "no such plugin"})
				continue
			}
			w.WriteEvent(command.PluginEvent{ReSeq: cmd.Seq, Kind: command.EventPluginLoaded})
			if cmd.Path == "hang" {
				// Wedge without exiting: loaded fine, then never another
				// byte on the wire.
				select {}
			}
		case command.HostSetParam:
			w.WriteEvent(command.PluginEvent{Kind: command.EventParamChanged, ParamID: cmd.ParamID, Value: cmd.Value})
		case command.HostProcessBlock:
			if _, ok := fromEngine.TryReadSlot(in); ok {
				for ch := range out {
					for i := range out[ch] {
						out[ch][i] = in.Audio[ch][i] * 0.5
					}
				}
				slot := toEngine.WriteSlot(in.Transport, nil, out)
				w.WriteEvent(command.PluginEvent{ReSeq: cmd.Seq, Kind: command.EventProcessDone, Slot: slot})
			}
		case command.HostSimulateCrash:
			os.Exit(3)
		case command.HostShutdown:
			os.Exit(0)
		}
	}
}

func newTestBridge(t *testing.T) *Bridge {
	return New(fmt.Sprintf("bt-%d-%s", os.Getpid(), t.Name()), helperArgv(), testConfig())
}

func makeBlock(frames int, fill float32) *graph.Block {
	in := make([]float32, frames*graph.Channels)
	for i := range in {
		in[i] = fill
	}
	return &graph.Block{
		Frames:     frames,
		SampleRate: 48000,
		Transport:  transport.Info{Tempo: 120},
		In:         [][]float32{in},
		Out:        [][]float32{make([]float32, frames*graph.Channels)},
	}
}

func waitNotice(t *testing.T, b *Bridge, want NoticeKind, timeout time.Duration) Notice {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case n := <-b.Notices():
			if n.Kind == want {
				return n
			}
		case <-deadline:
			t.Fatalf("no %v notice within %v", want, timeout)
		}
	}
}

func TestLoadProcessUnload(t *testing.T) {
	b := newTestBridge(t)
	if err := b.Load("gain"); err != nil {
		t.Fatal(err)
	}
	if b.State() != Processing {
		t.Fatalf("state %v after load", b.State())
	}

	// First block primes the pipeline; output is silence.
	blk := makeBlock(64, 0.8)
	if err := b.Process(blk); err != nil {
		t.Fatal(err)
	}
	for _, s := range blk.Out[0] {
		if s != 0 {
			t.Fatal("first block produced audio before the host replied")
		}
	}

	// Give the host time to process, then collect: one block of latency,
	// input scaled by the fake host's 0.5.
	var got float32
	for i := 0; i < 50; i++ {
		time.Sleep(20 * time.Millisecond)
		blk2 := makeBlock(64, 0)
		if err := b.Process(blk2); err != nil {
			t.Fatal(err)
		}
		if blk2.Out[0][0] != 0 {
			got = blk2.Out[0][0]
			break
		}
	}
	if got != 0.4 {
		t.Fatalf("collected %v, want 0.4", got)
	}

	b.Unload()
	if b.State() != Unloaded {
		t.Fatalf("state %v after unload", b.State())
	}
	if _, err := os.Stat(segFile(b.name)); !os.IsNotExist(err) {
		t.Fatal("unload left the segment file behind")
	}
}

func TestLoadFailureTearsDown(t *testing.T) {
	b := newTestBridge(t)
	err := b.Load("fail")
	if err == nil {
		t.Fatal("load of failing plugin succeeded")
	}
	if _, ok := err.(*LoadError); !ok {
		t.Fatalf("got %T, want *LoadError", err)
	}
	if b.State() != Unloaded {
		t.Fatalf("state %v after failed load", b.State())
	}
	if _, err := os.Stat(segFile(b.name)); !os.IsNotExist(err) {
		t.Fatal("failed load left the segment file behind")
	}
}

func TestSpawnFailureTearsDown(t *testing.T) {
	b := New(fmt.Sprintf("bt-%d-spawn", os.Getpid()), []string{"/no/such/binary"}, testConfig())
	if err := b.Load("gain"); err == nil {
		t.Fatal("load with missing host binary succeeded")
	}
	if b.State() != Unloaded {
		t.Fatalf("state %v", b.State())
	}
	if _, err := os.Stat(segFile(b.name)); !os.IsNotExist(err) {
		t.Fatal("spawn failure left the segment file behind")
	}
}

func TestCrashRaisesExactlyOneNotice(t *testing.T) {
	b := newTestBridge(t)
	if err := b.Load("gain"); err != nil {
		t.Fatal(err)
	}
	defer b.Unload()

	b.SimulateCrash()
	waitNotice(t, b, NoticeCrashed, 2*time.Second)

	if b.State() != Terminating {
		t.Fatalf("state %v after crash, want terminating", b.State())
	}

	// Crashed bridge renders silence, does not error.
	blk := makeBlock(64, 0.8)
	if err := b.Process(blk); err != nil {
		t.Fatal(err)
	}
	for _, s := range blk.Out[0] {
		if s != 0 {
			t.Fatal("crashed bridge produced audio")
		}
	}

	// No second crash notice.
	select {
	case n := <-b.Notices():
		if n.Kind == NoticeCrashed {
			t.Fatal("second crash notice")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestReloadAfterCrashReplaysParams(t *testing.T) {
	b := newTestBridge(t)
	if err := b.Load("gain"); err != nil {
		t.Fatal(err)
	}
	defer b.Unload()

	b.SetParam(3, 0.7)
	b.SimulateCrash()
	waitNotice(t, b, NoticeCrashed, 2*time.Second)

	if err := b.Reload(); err != nil {
		t.Fatal(err)
	}
	if b.State() != Processing {
		t.Fatalf("state %v after reload", b.State())
	}
	if got := b.Params()[3]; got != 0.7 {
		t.Fatalf("param cache lost across reload: %v", got)
	}
	if b.PluginPath() != "gain" {
		t.Fatalf("plugin path %q", b.PluginPath())
	}
}

func TestUnresponsiveHostRaisesCrash(t *testing.T) {
	b := newTestBridge(t)
	b.liveness = 500 * time.Millisecond
	if err := b.Load("hang"); err != nil {
		t.Fatal(err)
	}
	defer b.Unload()

	// The host answered the handshakes and then went mute. No process
	// exit, so only the liveness monitor can notice.
	waitNotice(t, b, NoticeCrashed, 5*time.Second)
	if b.State() != Terminating {
		t.Fatalf("state %v after liveness expiry, want terminating", b.State())
	}

	blk := makeBlock(64, 0.8)
	if err := b.Process(blk); err != nil {
		t.Fatal(err)
	}
	for _, s := range blk.Out[0] {
		if s != 0 {
			t.Fatal("wedged bridge produced audio")
		}
	}

	// Exactly one crash notice: the kill that follows must not raise a
	// second one through the exit watcher.
	select {
	case n := <-b.Notices():
		if n.Kind == NoticeCrashed {
			t.Fatal("second crash notice")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestReloadWhileProcessing(t *testing.T) {
	b := newTestBridge(t)
	if err := b.Load("gain"); err != nil {
		t.Fatal(err)
	}
	defer b.Unload()

	// Hammer the audio path while the control path tears down and
	// relaunches the host underneath it.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			blk := makeBlock(64, 0.5)
			if err := b.Process(blk); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := 0; i < 2; i++ {
		if err := b.Reload(); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	<-done

	if b.State() != Processing {
		t.Fatalf("state %v after reload under load", b.State())
	}
}

func TestProcessWhileUnloadedIsSilent(t *testing.T) {
	b := newTestBridge(t)
	blk := makeBlock(64, 0.9)
	if err := b.Process(blk); err != nil {
		t.Fatal(err)
	}
	for _, s := range blk.Out[0] {
		if s != 0 {
			t.Fatal("unloaded bridge produced audio")
		}
	}
}
