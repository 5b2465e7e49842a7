package sequencer

// Performance is a step's roll-pattern tag. A roll subdivides the step's
// gate window into N evenly spaced sub-triggers; the Up/Down variants walk
// the pitch one semitone per sub-trigger.
type Performance uint8

const (
	PerfNone Performance = iota
	PerfRoll3
	PerfRoll5
	PerfRoll7
	PerfRoll3Up
	PerfRoll5Up
	PerfRoll7Up
	PerfRoll3Down
	PerfRoll5Down
	PerfRoll7Down
)

var perfNames = map[Performance]string{
	PerfNone:      "-",
	PerfRoll3:     "roll3",
	PerfRoll5:     "roll5",
	PerfRoll7:     "roll7",
	PerfRoll3Up:   "roll3+",
	PerfRoll5Up:   "roll5+",
	PerfRoll7Up:   "roll7+",
	PerfRoll3Down: "roll3-",
	PerfRoll5Down: "roll5-",
	PerfRoll7Down: "roll7-",
}

func (p Performance) String() string {
	if n, ok := perfNames[p]; ok {
		return n
	}
	return "-"
}

// SubTriggers returns how many triggers the pattern expands a step into.
func (p Performance) SubTriggers() int {
	switch p {
	case PerfRoll3, PerfRoll3Up, PerfRoll3Down:
		return 3
	case PerfRoll5, PerfRoll5Up, PerfRoll5Down:
		return 5
	case PerfRoll7, PerfRoll7Up, PerfRoll7Down:
		return 7
	default:
		return 1
	}
}

// PitchStep returns the semitone delta applied per sub-trigger, accumulating
// across the roll (0 for flat rolls).
func (p Performance) PitchStep() int {
	switch p {
	case PerfRoll3Up, PerfRoll5Up, PerfRoll7Up:
		return 1
	case PerfRoll3Down, PerfRoll5Down, PerfRoll7Down:
		return -1
	default:
		return 0
	}
}

// SubTrigger is one expanded trigger inside a step's gate window.
type SubTrigger struct {
	Offset      int // samples from the step's start
	Length      int // gate length in samples for this trigger
	PitchOffset int // semitones relative to the step's pitch
}

// Expand subdivides a gate window into the pattern's sub-triggers. Triggers
// are evenly spaced from 0: window 480 with a 5-roll lands at
// 0, 96, 192, 288, 384. Each trigger's gate runs to the next one.
func (p Performance) Expand(gateWindow int) []SubTrigger {
	n := p.SubTriggers()
	if gateWindow <= 0 {
		return nil
	}
	if n <= 1 {
		return []SubTrigger{{Offset: 0, Length: gateWindow}}
	}
	spacing := gateWindow / n
	if spacing < 1 {
		spacing = 1
	}
	semis := p.PitchStep()
	out := make([]SubTrigger, 0, n)
	pitchAcc := 0
	for i := 0; i < n; i++ {
		off := i * spacing
		if off >= gateWindow {
			break
		}
		length := spacing
		if off+length > gateWindow {
			length = gateWindow - off
		}
		out = append(out, SubTrigger{Offset: off, Length: length, PitchOffset: pitchAcc})
		pitchAcc += semis
	}
	return out
}
