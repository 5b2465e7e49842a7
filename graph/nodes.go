package graph

import "math"

// voice is one sounding note of the built-in instrument.
type voice struct {
	note      uint8
	phase     float64
	inc       float64
	gain      float32
	env       float32
	releasing bool
	startAt   int32 // intra-block sample offset; -1 once running
}

const (
	maxVoices   = 16
	envAttack   = 0.005 // seconds
	envRelease  = 0.030
	paramWave   = 0
	waveSaw     = 0
	waveSine    = 1
	waveSquare  = 2
	paramVolume = 1
)

// Instrument is the built-in polyphonic synth: saw/sine/square voices with
// a short linear attack/release envelope so triggers never click. It
// consumes the block's note events at their sample offsets.
type Instrument struct {
	voices [maxVoices]voice
	wave   int
	volume float32
}

// NewInstrument creates a saw instrument at moderate volume.
func NewInstrument() *Instrument {
	return &Instrument{wave: waveSaw, volume: 0.5}
}

func (s *Instrument) NumInputs() int  { return 0 }
func (s *Instrument) NumOutputs() int { return 1 }

// SetParam: 0 selects the waveform, 1 the volume.
func (s *Instrument) SetParam(id uint32, value float32) {
	switch id {
	case paramWave:
		s.wave = int(value)
	case paramVolume:
		s.volume = value
	}
}

func noteHz(note uint8) float64 {
	return 440.0 * math.Pow(2, (float64(note)-69)/12)
}

func (s *Instrument) noteOn(note, velocity uint8, offset int32, sampleRate int) {
	// Reuse a slot: same note first, then a free one, else steal the oldest.
	slot := -1
	for i := range s.voices {
		if s.voices[i].env > 0 && s.voices[i].note == note {
			slot = i
			break
		}
	}
	if slot < 0 {
		for i := range s.voices {
			if s.voices[i].env == 0 && !s.voices[i].releasing {
				slot = i
				break
			}
		}
	}
	if slot < 0 {
		slot = 0
	}
	s.voices[slot] = voice{
		note:    note,
		inc:     noteHz(note) / float64(sampleRate),
		gain:    float32(velocity) / 127,
		startAt: offset,
	}
}

func (s *Instrument) noteOff(note uint8) {
	for i := range s.voices {
		if s.voices[i].note == note && !s.voices[i].releasing {
			s.voices[i].releasing = true
		}
	}
}

func (s *Instrument) Process(b *Block) error {
	for _, p := range b.Params {
		s.SetParam(p.ID, p.Value)
	}

	out := b.Out[0][:b.Frames*Channels]
	attackStep := float32(1.0 / (envAttack * float64(b.SampleRate)))
	releaseStep := float32(1.0 / (envRelease * float64(b.SampleRate)))

	next := 0 // next unconsumed note event (events arrive offset-sorted)
	for f := 0; f < b.Frames; f++ {
		for next < len(b.Notes) && b.Notes[next].Offset <= int32(f) {
			ev := b.Notes[next]
			if ev.Velocity > 0 {
				s.noteOn(ev.Note, ev.Velocity, ev.Offset, b.SampleRate)
			} else {
				s.noteOff(ev.Note)
			}
			next++
		}

		var sample float32
		for i := range s.voices {
			v := &s.voices[i]
			if v.inc == 0 {
				continue
			}
			if v.startAt >= 0 {
				if int32(f) < v.startAt {
					continue
				}
				v.startAt = -1
			}
			if v.releasing {
				v.env -= releaseStep
				if v.env <= 0 {
					*v = voice{}
					continue
				}
			} else if v.env < 1 {
				v.env += attackStep
				if v.env > 1 {
					v.env = 1
				}
			}

			var w float64
			switch s.wave {
			case waveSine:
				w = math.Sin(v.phase * 2 * math.Pi)
			case waveSquare:
				if v.phase < 0.5 {
					w = 1
				} else {
					w = -1
				}
			default: // saw
				w = 2*v.phase - 1
			}
			v.phase += v.inc
			if v.phase >= 1 {
				v.phase -= 1
			}
			sample += float32(w) * v.gain * v.env
		}

		sample *= s.volume
		out[f*2] = sample
		out[f*2+1] = sample
	}
	return nil
}

// GainNode scales its single input by a gain factor.
type GainNode struct {
	Gain float32
}

// NewGainNode creates a unity-gain node.
func NewGainNode() *GainNode { return &GainNode{Gain: 1.0} }

func (g *GainNode) NumInputs() int  { return 1 }
func (g *GainNode) NumOutputs() int { return 1 }

// SetParam: id 0 is the gain.
func (g *GainNode) SetParam(id uint32, value float32) {
	if id == 0 {
		g.Gain = value
	}
}

func (g *GainNode) Process(b *Block) error {
	in := b.In[0][:b.Frames*Channels]
	out := b.Out[0][:b.Frames*Channels]
	for i := range in {
		out[i] = in[i] * g.Gain
	}
	return nil
}

// Delay insert parameter ids.
const (
	ParamDelayTime     = 0
	ParamDelayFeedback = 1
	ParamDelayMix      = 2
)

const maxDelaySeconds = 2.0

// DelayNode is a feedback delay line. The buffer is interleaved stereo, so
// both channels share one write cursor and the delay time is sample exact.
type DelayNode struct {
	buf      []float32
	span     int // active buffer length in samples, frames*Channels
	pos      int
	rate     int
	seconds  float32
	feedback float32
	mix      float32
}

// NewDelayNode creates a quarter-second delay with moderate feedback.
func NewDelayNode(sampleRate int) *DelayNode {
	d := &DelayNode{
		buf:      make([]float32, int(maxDelaySeconds*float64(sampleRate))*Channels),
		rate:     sampleRate,
		feedback: 0.35,
		mix:      0.5,
	}
	d.setDelay(0.25)
	return d
}

func (d *DelayNode) NumInputs() int  { return 1 }
func (d *DelayNode) NumOutputs() int { return 1 }

// Time, Feedback and Mix report the current settings, for session saves.
func (d *DelayNode) Time() float32     { return d.seconds }
func (d *DelayNode) Feedback() float32 { return d.feedback }
func (d *DelayNode) Mix() float32      { return d.mix }

func (d *DelayNode) setDelay(seconds float32) {
	d.seconds = seconds
	frames := int(float64(seconds)*float64(d.rate) + 0.5)
	if frames < 1 {
		frames = 1
	}
	span := frames * Channels
	if span > len(d.buf) {
		span = len(d.buf)
	}
	d.span = span
	d.pos = 0
	for i := range d.buf[:span] {
		d.buf[i] = 0
	}
}

// SetParam: 0 is the delay time in seconds, 1 the feedback, 2 the wet mix.
// Changing the time clears the line rather than pitch-shifting the tail.
func (d *DelayNode) SetParam(id uint32, value float32) {
	switch id {
	case ParamDelayTime:
		d.setDelay(value)
	case ParamDelayFeedback:
		if value < 0 {
			value = 0
		}
		if value > 0.99 {
			value = 0.99
		}
		d.feedback = value
	case ParamDelayMix:
		d.mix = value
	}
}

func (d *DelayNode) Process(b *Block) error {
	for _, p := range b.Params {
		d.SetParam(p.ID, p.Value)
	}
	in := b.In[0][:b.Frames*Channels]
	out := b.Out[0][:b.Frames*Channels]
	for i := range in {
		echo := d.buf[d.pos]
		out[i] = in[i] + echo*d.mix
		d.buf[d.pos] = in[i] + echo*d.feedback
		d.pos++
		if d.pos >= d.span {
			d.pos = 0
		}
	}
	return nil
}
