package engine

import (
	"fmt"

	"go-daw/bridge"
	"go-daw/debug"
	"go-daw/graph"
	"go-daw/project"
)

func (e *Engine) addTrack(id int) error {
	if id < 0 || id >= MaxTracks {
		return fmt.Errorf("engine: track id %d out of range", id)
	}
	if _, ok := e.tracks[id]; ok {
		return fmt.Errorf("engine: track %d exists", id)
	}
	inst := graph.NewInstrument()
	nodeID := e.graph.AddNode(inst)
	if err := e.graph.Connect(nodeID, 0, e.mixID, id); err != nil {
		e.graph.RemoveNode(nodeID)
		return err
	}
	e.seq.AddTrack(id)
	e.tracks[id] = &track{
		id:     id,
		name:   fmt.Sprintf("track %d", id+1),
		nodeID: nodeID,
		inst:   inst,
	}
	debug.Log("engine", "added track %d", id)
	return nil
}

// sink is where a track's source connects: the delay insert when one is
// active, otherwise the track's mix bus strip.
func (e *Engine) sink(t *track) (graph.NodeID, int) {
	if t.delay != nil {
		return t.delayID, 0
	}
	return e.mixID, t.id
}

// setDelay splices a delay insert between the track's source and its mix
// strip, or takes it back out. Toggling is idempotent.
func (e *Engine) setDelay(id int, enabled bool) {
	t, ok := e.tracks[id]
	if !ok || (t.delay != nil) == enabled {
		return
	}
	if enabled {
		d := graph.NewDelayNode(e.cfg.SampleRate)
		did := e.graph.AddNode(d)
		e.graph.Disconnect(t.nodeID, 0, e.mixID, id)
		if err := e.graph.Connect(t.nodeID, 0, did, 0); err != nil {
			debug.Log("engine", "delay insert: %v", err)
		}
		if err := e.graph.Connect(did, 0, e.mixID, id); err != nil {
			debug.Log("engine", "delay insert: %v", err)
		}
		t.delay, t.delayID = d, did
		return
	}
	e.graph.RemoveNode(t.delayID)
	t.delay, t.delayID = nil, 0
	if err := e.graph.Connect(t.nodeID, 0, e.mixID, id); err != nil {
		debug.Log("engine", "delay remove: %v", err)
	}
}

func (e *Engine) removeTrack(id int) {
	t, ok := e.tracks[id]
	if !ok {
		return
	}
	e.graph.RemoveNode(t.nodeID)
	if t.delay != nil {
		e.graph.RemoveNode(t.delayID)
	}
	e.seq.RemoveTrack(id)
	delete(e.tracks, id)
	if t.br != nil {
		br := t.br
		go br.Unload()
	}
	debug.Log("engine", "removed track %d", id)
}

// loadPlugin spawns the plugin host in the background; the node swap
// happens at a later block boundary so the audio path never waits on a
// handshake.
func (e *Engine) loadPlugin(id int, path string) {
	e.loadPluginWithParams(id, path, nil)
}

func (e *Engine) loadPluginWithParams(id int, path string, params map[uint32]float32) {
	if _, ok := e.tracks[id]; !ok {
		debug.Log("engine", "loadPlugin: no track %d", id)
		return
	}
	if e.cfg.PluginHost == "" {
		e.emit(Event{Kind: EventPluginFailed, Track: id, Message: "no plugin host configured"})
		return
	}
	br := bridge.New(segName(id), []string{e.cfg.PluginHost}, e.shmemConfig())
	go func() {
		err := br.Load(path)
		e.runLater(func(e *Engine) {
			if err != nil {
				e.emit(Event{Kind: EventPluginFailed, Track: id, Message: err.Error()})
				return
			}
			t, ok := e.tracks[id]
			if !ok {
				// Track went away while the host was launching.
				go br.Unload()
				return
			}
			e.attachBridge(t, br)
			for pid, v := range params {
				br.SetParam(pid, v)
			}
			e.emit(Event{Kind: EventPluginLoaded, Track: id, Message: path})
		})
	}()
}

// attachBridge swaps the track's source node for the bridge, unloading
// whatever was there before.
func (e *Engine) attachBridge(t *track, br *bridge.Bridge) {
	if t.br != nil {
		old := t.br
		go old.Unload()
	}
	e.graph.RemoveNode(t.nodeID)
	nodeID := e.graph.AddNode(br)
	sinkID, sinkPort := e.sink(t)
	if err := e.graph.Connect(nodeID, 0, sinkID, sinkPort); err != nil {
		debug.Log("engine", "attach bridge: %v", err)
	}
	t.nodeID = nodeID
	t.br = br
	t.inst = nil
}

// unloadPlugin restores the built-in instrument and shuts the host down in
// the background.
func (e *Engine) unloadPlugin(id int) {
	t, ok := e.tracks[id]
	if !ok || t.br == nil {
		return
	}
	old := t.br
	e.graph.RemoveNode(t.nodeID)
	inst := graph.NewInstrument()
	nodeID := e.graph.AddNode(inst)
	sinkID, sinkPort := e.sink(t)
	if err := e.graph.Connect(nodeID, 0, sinkID, sinkPort); err != nil {
		debug.Log("engine", "unload plugin: %v", err)
	}
	t.nodeID = nodeID
	t.br = nil
	t.inst = inst
	go old.Unload()
}

// reloadPlugin relaunches a crashed host with its cached params. The
// bridge stays the track's node the whole time, silent until the new
// instance is processing.
func (e *Engine) reloadPlugin(id int) {
	t, ok := e.tracks[id]
	if !ok || t.br == nil {
		return
	}
	br := t.br
	go func() {
		if err := br.Reload(); err != nil {
			e.runLater(func(e *Engine) {
				e.emit(Event{Kind: EventPluginFailed, Track: id, Message: err.Error()})
			})
			return
		}
		e.runLater(func(e *Engine) {
			e.emit(Event{Kind: EventPluginLoaded, Track: id, Message: br.PluginPath()})
		})
	}()
}

// saveProject snapshots engine state synchronously (it is cheap) and does
// the file write off the audio goroutine.
func (e *Engine) saveProject(path string) {
	p := project.New(e.projectName, e.clock.Tempo())
	p.Seed = e.seed
	p.MasterGain = e.mix.MasterGain()
	for id, t := range e.tracks {
		in := e.mix.Input(id)
		pt := &project.Track{
			Name:   t.name,
			Volume: in.Gain,
			Pan:    in.Pan,
			Mute:   in.Mute,
			Solo:   in.Solo,
		}
		if t.br != nil {
			pt.PluginPath = t.br.PluginPath()
			pt.Params = t.br.Params()
		}
		if t.delay != nil {
			pt.Delay = &project.Delay{
				Time:     t.delay.Time(),
				Feedback: t.delay.Feedback(),
				Mix:      t.delay.Mix(),
			}
		}
		if pat := e.seq.Pattern(id); pat != nil {
			pt.Pattern = *pat
		}
		p.Tracks[id] = pt
	}
	go func() {
		err := project.Save(path, p)
		e.runLater(func(e *Engine) {
			if err != nil {
				e.emit(Event{Kind: EventNodeFault, Message: err.Error()})
				return
			}
			e.emit(Event{Kind: EventProjectSaved, Message: path})
		})
	}()
}

// loadProjectFile reads the file in the background and rebuilds the
// session at a block boundary.
func (e *Engine) loadProjectFile(path string) {
	go func() {
		p, err := project.Load(path)
		e.runLater(func(e *Engine) {
			if err != nil {
				e.emit(Event{Kind: EventNodeFault, Message: err.Error()})
				return
			}
			e.applyProject(p)
			e.emit(Event{Kind: EventProjectLoaded, Message: path})
		})
	}()
}

func (e *Engine) applyProject(p *project.Project) {
	e.clock.Stop()
	for id := range e.tracks {
		e.removeTrack(id)
	}

	e.projectName = p.Name
	if err := e.clock.SetTempo(p.Tempo); err != nil {
		debug.Log("engine", "project tempo: %v", err)
	}
	e.seed = p.Seed
	e.seq.SetSeed(p.Seed)
	e.mix.SetMasterGain(p.MasterGain)

	for id, pt := range p.Tracks {
		if err := e.addTrack(id); err != nil {
			debug.Log("engine", "project track %d: %v", id, err)
			continue
		}
		t := e.tracks[id]
		if pt.Name != "" {
			t.name = pt.Name
		}
		e.mix.SetInput(id, graph.BusInput{
			Gain: pt.Volume,
			Pan:  pt.Pan,
			Mute: pt.Mute,
			Solo: pt.Solo,
		})
		if pat := e.seq.Pattern(id); pat != nil {
			*pat = pt.Pattern
		}
		if pt.Delay != nil {
			e.setDelay(id, true)
			t.delay.SetParam(graph.ParamDelayTime, pt.Delay.Time)
			t.delay.SetParam(graph.ParamDelayFeedback, pt.Delay.Feedback)
			t.delay.SetParam(graph.ParamDelayMix, pt.Delay.Mix)
		}
		if pt.PluginPath != "" {
			e.loadPluginWithParams(id, pt.PluginPath, pt.Params)
		}
	}
}
