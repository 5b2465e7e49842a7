package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"go-daw/command"
	"go-daw/engine"
	"go-daw/sequencer"
	"go-daw/theme"
)

// refreshRate paces snapshot polling; the engine publishes every block but
// the terminal only needs ~20 fps.
const refreshRate = 50 * time.Millisecond

type Model struct {
	Engine *engine.Engine
	Theme  *theme.Theme

	cursorTrack int
	cursorStep  int
	status      string
	quitting    bool
	projectDir  string
}

type tickMsg time.Time

type engineEventMsg engine.Event

func NewModel(e *engine.Engine, th *theme.Theme, projectDir string) Model {
	return Model{
		Engine:     e,
		Theme:      th,
		projectDir: projectDir,
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func listenForEvents(e *engine.Engine) tea.Cmd {
	return func() tea.Msg {
		return engineEventMsg(<-e.Events())
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), listenForEvents(m.Engine))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		return m, tick()

	case engineEventMsg:
		m.status = m.describeEvent(engine.Event(msg))
		return m, listenForEvents(m.Engine)
	}
	return m, nil
}

func (m Model) describeEvent(ev engine.Event) string {
	switch ev.Kind {
	case engine.EventTrackCrashed:
		return fmt.Sprintf("track %d plugin CRASHED (R to reload): %s", ev.Track+1, ev.Message)
	case engine.EventPluginLoaded:
		return fmt.Sprintf("track %d: loaded %s", ev.Track+1, ev.Message)
	case engine.EventPluginFailed:
		return fmt.Sprintf("track %d: plugin failed: %s", ev.Track+1, ev.Message)
	case engine.EventProjectSaved:
		return "saved " + ev.Message
	case engine.EventProjectLoaded:
		return "loaded " + ev.Message
	case engine.EventNodeFault:
		return "fault: " + ev.Message
	}
	return ev.Message
}

// snapTrack returns the cursor's track view, or nil when no tracks exist.
func (m *Model) snapTrack() *engine.TrackView {
	snap := m.Engine.Snapshot()
	if len(snap.Tracks) == 0 {
		return nil
	}
	if m.cursorTrack >= len(snap.Tracks) {
		m.cursorTrack = len(snap.Tracks) - 1
	}
	return &snap.Tracks[m.cursorTrack]
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	e := m.Engine
	t := m.snapTrack()

	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		e.Push(command.Stop{})
		return m, tea.Quit

	case " ", "p":
		e.Push(command.TogglePlay{})
	case "+", "=":
		e.Push(command.SetTempo{BPM: e.Snapshot().Tempo + 5})
	case "-", "_":
		e.Push(command.SetTempo{BPM: e.Snapshot().Tempo - 5})

	case "h", "left":
		if m.cursorStep > 0 {
			m.cursorStep--
		}
	case "l", "right":
		if m.cursorStep < sequencer.StepCount-1 {
			m.cursorStep++
		}
	case "k", "up":
		if m.cursorTrack > 0 {
			m.cursorTrack--
		}
	case "j", "down":
		if m.cursorTrack < len(e.Snapshot().Tracks)-1 {
			m.cursorTrack++
		}

	case "a":
		id := len(e.Snapshot().Tracks)
		e.Push(command.AddTrack{Track: id})
	case "X":
		if t != nil {
			e.Push(command.RemoveTrack{Track: t.ID})
		}

	case "enter", "x":
		if t != nil {
			step := t.Pattern.Steps[m.cursorStep]
			if step.Velocity > 0 {
				step.Velocity = 0
			} else {
				step.Velocity = 100
			}
			e.Push(command.SetStep{Track: t.ID, Index: m.cursorStep, Step: step})
		}

	case ">", ".":
		m.adjustStep(t, func(s *sequencer.Step) {
			if s.Velocity <= 117 {
				s.Velocity += 10
			}
		})
	case "<", ",":
		m.adjustStep(t, func(s *sequencer.Step) {
			if s.Velocity >= 10 {
				s.Velocity -= 10
			}
		})
	case "g":
		m.adjustStep(t, func(s *sequencer.Step) {
			s.Gate -= 0.1
			if s.Gate < 0.1 {
				s.Gate = 0.1
			}
		})
	case "G":
		m.adjustStep(t, func(s *sequencer.Step) {
			s.Gate += 0.1
			if s.Gate > 1 {
				s.Gate = 1
			}
		})
	case "b":
		m.adjustStep(t, func(s *sequencer.Step) {
			s.Probability -= 0.25
			if s.Probability < 0 {
				s.Probability = 1
			}
		})
	case "r":
		m.adjustStep(t, func(s *sequencer.Step) {
			s.Performance = nextPerformance(s.Performance)
		})
	case "u":
		m.adjustStep(t, func(s *sequencer.Step) {
			if s.Pitch < 127 {
				s.Pitch++
			}
		})
	case "U":
		m.adjustStep(t, func(s *sequencer.Step) {
			if s.Pitch > 0 {
				s.Pitch--
			}
		})

	case "[":
		if t != nil {
			e.Push(command.SetLoop{Track: t.ID, Start: m.cursorStep, End: t.Pattern.LoopEnd})
		}
	case "]":
		if t != nil {
			e.Push(command.SetLoop{Track: t.ID, Start: t.Pattern.LoopStart, End: m.cursorStep})
		}
	case "d":
		if t != nil {
			e.Push(command.SetDirection{Track: t.ID, Direction: nextDirection(t.Pattern.Direction)})
		}

	case "m":
		if t != nil {
			e.Push(command.SetPatternMute{Track: t.ID, Muted: !t.Pattern.Muted})
		}
	case "M":
		if t != nil {
			e.Push(command.SetMute{Track: t.ID, Muted: !t.Mute})
		}
	case "s":
		if t != nil {
			e.Push(command.SetSolo{Track: t.ID, Solo: !t.Solo})
		}
	case "v":
		if t != nil {
			e.Push(command.SetVolume{Track: t.ID, Volume: clamp01(t.Volume - 0.05)})
		}
	case "V":
		if t != nil {
			e.Push(command.SetVolume{Track: t.ID, Volume: clamp01(t.Volume + 0.05)})
		}
	case "n":
		if t != nil {
			e.Push(command.SetPan{Track: t.ID, Pan: t.Pan - 0.1})
		}
	case "N":
		if t != nil {
			e.Push(command.SetPan{Track: t.ID, Pan: t.Pan + 0.1})
		}

	case "L":
		if t != nil {
			e.Push(command.LoadPlugin{Track: t.ID, Path: "saw"})
		}
	case "K":
		if t != nil {
			e.Push(command.UnloadPlugin{Track: t.ID})
		}
	case "R":
		if t != nil {
			e.Push(command.ReloadPlugin{Track: t.ID})
		}
	case "C":
		if t != nil {
			e.Push(command.SimulateCrash{Track: t.ID})
		}
	case "e":
		if t != nil {
			e.Push(command.SetDelay{Track: t.ID, Enabled: !t.DelayOn})
		}

	case "w":
		path := filepath.Join(m.projectDir, "session.json")
		e.Push(command.SaveProject{Path: path})
	case "o":
		path := filepath.Join(m.projectDir, "session.json")
		e.Push(command.LoadProject{Path: path})
	}
	return m, nil
}

func (m *Model) adjustStep(t *engine.TrackView, fn func(*sequencer.Step)) {
	if t == nil {
		return
	}
	step := t.Pattern.Steps[m.cursorStep]
	fn(&step)
	m.Engine.Push(command.SetStep{Track: t.ID, Index: m.cursorStep, Step: step})
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func nextDirection(d sequencer.Direction) sequencer.Direction {
	order := []sequencer.Direction{
		sequencer.Forward, sequencer.Backward, sequencer.Random,
		sequencer.Each2nd, sequencer.Each3rd, sequencer.Each4th,
	}
	for i, cur := range order {
		if cur == d {
			return order[(i+1)%len(order)]
		}
	}
	return sequencer.Forward
}

func nextPerformance(p sequencer.Performance) sequencer.Performance {
	order := []sequencer.Performance{
		sequencer.PerfNone, sequencer.PerfRoll3, sequencer.PerfRoll5, sequencer.PerfRoll7,
		sequencer.PerfRoll3Up, sequencer.PerfRoll5Up, sequencer.PerfRoll7Up,
		sequencer.PerfRoll3Down, sequencer.PerfRoll5Down, sequencer.PerfRoll7Down,
	}
	for i, cur := range order {
		if cur == p {
			return order[(i+1)%len(order)]
		}
	}
	return sequencer.PerfNone
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	snap := m.Engine.Snapshot()
	sym := m.Theme.Symbols

	headerStyle := lipgloss.NewStyle().Foreground(m.Theme.Accent())
	dimStyle := lipgloss.NewStyle().Foreground(m.Theme.Muted())
	activeStyle := lipgloss.NewStyle().Foreground(m.Theme.Active())
	cursorStyle := lipgloss.NewStyle().Foreground(m.Theme.Cursor())
	warnStyle := lipgloss.NewStyle().Foreground(m.Theme.Warning())

	playState := "STOP"
	if snap.Playing {
		playState = "PLAY"
	}
	header := headerStyle.Render(fmt.Sprintf("go-daw  %s  %3.0fbpm  bar %d  beat %5.2f",
		playState, snap.Tempo, snap.Bar+1, snap.Beat))

	var out strings.Builder
	out.WriteString("\n")
	out.WriteString(header)
	out.WriteString("\n\n")

	for ti, t := range snap.Tracks {
		label := fmt.Sprintf("%-10s", t.Name)
		if ti == m.cursorTrack {
			label = cursorStyle.Render(label)
		} else {
			label = dimStyle.Render(label)
		}
		out.WriteString(label)

		var flags strings.Builder
		if t.Mute {
			flags.WriteRune(sym.Muted)
		} else {
			flags.WriteRune(' ')
		}
		if t.Solo {
			flags.WriteRune(sym.Soloed)
		} else {
			flags.WriteRune(' ')
		}
		out.WriteString(warnStyle.Render(flags.String()))
		out.WriteString(" ")

		for i := 0; i < sequencer.StepCount; i++ {
			r := m.stepRune(&t, i, ti == m.cursorTrack)
			style := dimStyle
			switch {
			case snap.Playing && i == t.ActiveStep:
				style = activeStyle
			case ti == m.cursorTrack && i == m.cursorStep:
				style = cursorStyle
			case t.Pattern.Steps[i].Velocity > 0 && i >= t.Pattern.LoopStart && i <= t.Pattern.LoopEnd:
				style = lipgloss.NewStyle().Foreground(m.Theme.FG())
			}
			out.WriteString(style.Render(string(r)))
			if (i+1)%4 == 0 && i != sequencer.StepCount-1 {
				out.WriteString(" ")
			}
		}

		info := fmt.Sprintf("  %s vol:%3.0f%% pan:%+.1f", t.Pattern.Direction, t.Volume*100, t.Pan)
		if t.PluginPath != "" {
			info += fmt.Sprintf(" [%s:%s]", t.PluginPath, t.PluginState)
		}
		if t.DelayOn {
			info += " [dly]"
		}
		if t.Pattern.Muted {
			info += " (muted)"
		}
		out.WriteString(dimStyle.Render(info))
		out.WriteString("\n")
	}
	if len(snap.Tracks) == 0 {
		out.WriteString(dimStyle.Render("no tracks. a: add one"))
		out.WriteString("\n")
	}

	out.WriteString("\n")
	if m.status != "" {
		out.WriteString(warnStyle.Render(m.status))
		out.WriteString("\n")
	}
	out.WriteString(dimStyle.Render(
		"hjkl:nav  x:toggle  u/U:pitch  </>:vel  g/G:gate  b:prob  r:roll  d:dir  [/]:loop\n" +
			"m/M:mute  s:solo  v/V:vol  n/N:pan  e:delay  L:plugin  K:unload  R:reload  C:crash\n" +
			"a:add  X:remove  space:play  +/-:tempo  w:save  o:open  q:quit"))
	return out.String()
}

// stepRune picks the grid glyph for one step cell.
func (m Model) stepRune(t *engine.TrackView, i int, onCursorTrack bool) rune {
	sym := m.Theme.Symbols
	step := t.Pattern.Steps[i]
	inLoop := i >= t.Pattern.LoopStart && i <= t.Pattern.LoopEnd
	cursor := onCursorTrack && i == m.cursorStep

	switch {
	case !inLoop && !cursor:
		return sym.StepOutside
	case i == t.ActiveStep && inLoop:
		return sym.StepPlayhead
	case cursor && step.Velocity > 0:
		return sym.CursorActive
	case cursor:
		return sym.CursorEmpty
	case step.Performance != sequencer.PerfNone && step.Velocity > 0:
		return sym.StepRoll
	case step.Velocity > 0:
		return sym.StepActive
	}
	return sym.StepEmpty
}
