package sequencer

// StepCount is the number of steps in every sequencer lane.
const StepCount = 32

// StepsPerBeat is the step grid resolution (4 = sixteenth notes).
const StepsPerBeat = 4

// StepBeats is the musical length of one step in beats.
const StepBeats = 1.0 / StepsPerBeat

// Direction is the order steps are visited in.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
	Random   Direction = "random"
	Each2nd  Direction = "each2nd"
	Each3rd  Direction = "each3rd"
	Each4th  Direction = "each4th"
)

// Step is one entry in a sequencer lane.
type Step struct {
	Pitch       uint8       `json:"pitch"`       // MIDI note 0-127
	Velocity    uint8       `json:"velocity"`    // 0 = silent step
	Gate        float64     `json:"gate"`        // gate length as fraction of the step, 0.0-1.0
	Probability float64     `json:"probability"` // 0.0-1.0
	Performance Performance `json:"performance"` // roll pattern tag
}

// Pattern is one track's step data: 32 steps plus a loop window and a
// playback direction.
type Pattern struct {
	Steps     [StepCount]Step `json:"steps"`
	LoopStart int             `json:"loopStart"` // inclusive, 0-31
	LoopEnd   int             `json:"loopEnd"`   // inclusive, LoopStart <= LoopEnd <= 31
	Direction Direction       `json:"direction"`
	Muted     bool            `json:"muted"`
}

// NewPattern returns a pattern with the default 32-step lane: middle C,
// velocity 100, half gate, always fires, no roll, full loop.
func NewPattern() *Pattern {
	p := &Pattern{
		LoopStart: 0,
		LoopEnd:   StepCount - 1,
		Direction: Forward,
	}
	for i := range p.Steps {
		p.Steps[i] = Step{
			Pitch:       60,
			Velocity:    100,
			Gate:        0.5,
			Probability: 1.0,
		}
	}
	return p
}

// LoopLen returns the number of steps inside the loop window.
func (p *Pattern) LoopLen() int {
	return p.LoopEnd - p.LoopStart + 1
}

// SetLoop updates the loop window. Caller errors per the taxonomy: state is
// untouched on a bad range.
func (p *Pattern) SetLoop(start, end int) error {
	if start < 0 || end >= StepCount || start > end {
		return &RangeError{What: "loop", Start: start, End: end}
	}
	p.LoopStart = start
	p.LoopEnd = end
	return nil
}

// SetStep replaces one step. Rejects out-of-range indices and bad field
// values without touching the pattern.
func (p *Pattern) SetStep(index int, s Step) error {
	if index < 0 || index >= StepCount {
		return &RangeError{What: "step", Start: index, End: index}
	}
	if s.Probability < 0 || s.Probability > 1 {
		return &RangeError{What: "probability", Start: index, End: index}
	}
	if s.Gate < 0 {
		return &RangeError{What: "gate", Start: index, End: index}
	}
	p.Steps[index] = s
	return nil
}

// RangeError reports an out-of-range step or loop index.
type RangeError struct {
	What       string
	Start, End int
}

func (e *RangeError) Error() string {
	if e.Start == e.End {
		return "sequencer: " + e.What + " index out of range"
	}
	return "sequencer: " + e.What + " range invalid"
}

// StepIndex maps a monotonically increasing step counter onto a step index
// inside the loop window for the given direction. Pure function: the same
// counter always lands on the same step.
func StepIndex(counter uint64, dir Direction, loopStart, loopEnd int) int {
	if loopEnd < loopStart {
		return loopStart
	}
	length := uint64(loopEnd - loopStart + 1)
	start := uint64(loopStart)

	switch dir {
	case Backward:
		offset := counter % length
		return int(start + (length - 1 - offset))
	case Random:
		// Deterministic: hash the counter so a position always replays the
		// same step.
		return int(start + splitmix64(counter)%length)
	case Each2nd:
		return int(start + interleavedStep(counter, length, 2))
	case Each3rd:
		return int(start + interleavedStep(counter, length, 3))
	case Each4th:
		return int(start + interleavedStep(counter, length, 4))
	default: // Forward
		return int(start + counter%length)
	}
}

// interleavedStep visits every step with the given stride. When stride and
// length share a factor the walk is split into gcd passes, each shifted by
// one, so all steps are still covered: len 4 stride 2 plays 0,2,1,3.
func interleavedStep(counter, length, stride uint64) uint64 {
	if length == 0 {
		return 0
	}
	g := gcd(length, stride)
	if g == 1 {
		return (counter * stride) % length
	}
	stepsPerPass := length / g
	passIdx := (counter / stepsPerPass) % g
	stepInPass := counter % stepsPerPass
	return (stepInPass*stride + passIdx) % length
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
