// pluginhost runs one plugin in its own process. The engine spawns it with
// the shared-memory segment name, drives it over stdin, and reads replies
// from stdout. Audio moves through the segment's rings only.
//
// A crash here (plugin panic, simulated abort, kill -9) costs the engine
// one silent track, nothing more.
package main

import (
	"flag"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"go-daw/command"
	"go-daw/shmem"
)

func main() {
	segName := flag.String("segment", "", "shared memory segment name")
	flag.Parse()

	logCfg := zap.NewDevelopmentConfig()
	logCfg.OutputPaths = []string{"stderr"}
	log, err := logCfg.Build()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	if *segName == "" {
		log.Fatal("missing -segment flag")
	}

	seg, err := shmem.Open(*segName)
	if err != nil {
		log.Fatal("open segment", zap.String("segment", *segName), zap.Error(err))
	}
	defer seg.Close()

	h := &host{
		log:        log,
		seg:        seg,
		fromEngine: seg.HostToPlugin(),
		toEngine:   seg.PluginToHost(),
		in:         shmem.NewSlotData(seg.Config()),
		out:        newPlanar(seg.Config()),
		wr:         command.NewWireWriter(os.Stdout),
	}
	h.run(os.Stdin)
}

func newPlanar(cfg shmem.Config) [][]float32 {
	bufs := make([][]float32, cfg.Channels)
	for ch := range bufs {
		bufs[ch] = make([]float32, cfg.FramesPerSlot)
	}
	return bufs
}

// host is the command loop state. Everything runs on the main goroutine
// except the heartbeat ticker, so no locking around the plugin instance.
type host struct {
	log        *zap.Logger
	seg        *shmem.Segment
	fromEngine *shmem.Ring
	toEngine   *shmem.Ring
	in         *shmem.SlotData
	out        [][]float32
	wr         *command.WireWriter

	active bool
	plug   plugin
}

func (h *host) run(stdin io.Reader) {
	generation := h.seg.Generation()
	h.log.Info("host up",
		zap.String("segment", h.seg.Name()),
		zap.Uint32("generation", generation))

	stop := make(chan struct{})
	defer close(stop)
	go h.heartbeat(stop)

	rd := command.NewWireReader(stdin)
	for {
		cmd, err := rd.ReadCommand()
		if err != nil {
			// Engine closed stdin or died; either way we are done.
			h.log.Info("command stream closed", zap.Error(err))
			return
		}
		if done := h.dispatch(cmd); done {
			return
		}
	}
}

func (h *host) heartbeat(stop chan struct{}) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			h.wr.WriteEvent(command.PluginEvent{Kind: command.EventHeartbeat})
		case <-stop:
			return
		}
	}
}

func (h *host) reply(ev command.PluginEvent) {
	if err := h.wr.WriteEvent(ev); err != nil {
		h.log.Warn("reply failed", zap.Error(err))
	}
}

func (h *host) fail(seq uint64, code uint32, msg string) {
	h.reply(command.PluginEvent{ReSeq: seq, Kind: command.EventError, Code: code, Message: msg})
}

// dispatch handles one command. Returns true when the host should exit.
func (h *host) dispatch(cmd command.HostCommand) bool {
	switch cmd.Kind {
	case command.HostActivate:
		// Activate names the geometry the engine expects; the segment is
		// authoritative, so a mismatch means the two sides disagree about
		// the block layout and processing would read garbage.
		cfg := h.seg.Config()
		if cmd.SampleRate != uint32(cfg.SampleRate) || cmd.BlockSize != uint32(cfg.FramesPerSlot) {
			h.log.Error("geometry mismatch",
				zap.Uint32("sampleRate", cmd.SampleRate),
				zap.Uint32("blockSize", cmd.BlockSize),
				zap.Int("segSampleRate", cfg.SampleRate),
				zap.Int("segFramesPerSlot", cfg.FramesPerSlot))
			h.fail(cmd.Seq, command.ErrCodeGeometry, "activate geometry does not match segment")
			return false
		}
		h.active = true
		h.reply(command.PluginEvent{ReSeq: cmd.Seq, Kind: command.EventActivated})

	case command.HostDeactivate:
		h.active = false
		h.reply(command.PluginEvent{ReSeq: cmd.Seq, Kind: command.EventActivated})

	case command.HostLoadPlugin:
		p, err := newPlugin(cmd.Path, h.seg.Config().SampleRate)
		if err != nil {
			h.fail(cmd.Seq, command.ErrCodeLoadFailed, err.Error())
			return false
		}
		h.plug = p
		h.log.Info("plugin loaded", zap.String("plugin", cmd.Path))
		h.reply(command.PluginEvent{ReSeq: cmd.Seq, Kind: command.EventPluginLoaded})

	case command.HostSetParam:
		if h.plug != nil {
			h.plug.setParam(cmd.ParamID, cmd.Value)
			h.reply(command.PluginEvent{
				Kind:    command.EventParamChanged,
				ParamID: cmd.ParamID,
				Value:   cmd.Value,
			})
		}

	case command.HostProcessBlock:
		h.processBlock(cmd)

	case command.HostSimulateCrash:
		h.log.Warn("simulated crash requested")
		os.Exit(3)

	case command.HostShutdown:
		h.log.Info("shutdown")
		return true

	default:
		h.fail(cmd.Seq, command.ErrCodeBadCommand, "unknown command "+cmd.Kind.String())
	}
	return false
}

// processBlock pulls the freshest engine slot, runs the plugin, and
// publishes the result. A plugin panic is contained: the engine gets an
// error event and the host exits, which the engine treats as a crash.
func (h *host) processBlock(cmd command.HostCommand) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("plugin panicked", zap.Any("panic", r))
			h.fail(cmd.Seq, command.ErrCodePanic, "plugin panic")
			os.Exit(4)
		}
	}()

	if !h.active || h.plug == nil {
		h.fail(cmd.Seq, command.ErrCodeNotProcessing, "not processing")
		return
	}
	if _, ok := h.fromEngine.TryReadSlot(h.in); !ok {
		// Raced the writer or nothing fresh; skip, the engine plays
		// silence for this block.
		return
	}

	for ch := range h.out {
		for i := range h.out[ch] {
			h.out[ch][i] = 0
		}
	}
	h.plug.process(h.in.Audio, h.out, h.in.Notes, h.in.Transport)

	slot := h.toEngine.WriteSlot(h.in.Transport, nil, h.out)
	h.reply(command.PluginEvent{ReSeq: cmd.Seq, Kind: command.EventProcessDone, Slot: slot})
}
