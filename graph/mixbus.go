package graph

// BusInput is the per-input strip of a mix bus.
type BusInput struct {
	Gain float32
	Pan  float32 // -1 full left .. +1 full right
	Mute bool
	Solo bool
}

// MixBus sums its inputs into one stereo output with per-input gain and
// pan. The pan law is linear: positive pan attenuates the left channel,
// negative pan the right, center passes both at unity. Solo on any input
// silences every non-solo input.
type MixBus struct {
	inputs []BusInput
	gain   float32 // master gain applied after the sum
}

// NewMixBus creates a bus with the given number of input strips, all at
// unity gain, center pan.
func NewMixBus(numInputs int) *MixBus {
	in := make([]BusInput, numInputs)
	for i := range in {
		in[i].Gain = 1.0
	}
	return &MixBus{inputs: in, gain: 1.0}
}

func (m *MixBus) NumInputs() int  { return len(m.inputs) }
func (m *MixBus) NumOutputs() int { return 1 }

// Input returns the strip settings for one input port.
func (m *MixBus) Input(i int) BusInput {
	if i < 0 || i >= len(m.inputs) {
		return BusInput{}
	}
	return m.inputs[i]
}

// SetInput replaces one strip's settings.
func (m *MixBus) SetInput(i int, in BusInput) {
	if i >= 0 && i < len(m.inputs) {
		m.inputs[i] = in
	}
}

// SetGain sets the per-input gain.
func (m *MixBus) SetGain(i int, gain float32) {
	if i >= 0 && i < len(m.inputs) {
		m.inputs[i].Gain = gain
	}
}

// SetPan sets the per-input pan (-1..+1).
func (m *MixBus) SetPan(i int, pan float32) {
	if i >= 0 && i < len(m.inputs) {
		if pan < -1 {
			pan = -1
		}
		if pan > 1 {
			pan = 1
		}
		m.inputs[i].Pan = pan
	}
}

// SetMute sets the per-input mute flag.
func (m *MixBus) SetMute(i int, mute bool) {
	if i >= 0 && i < len(m.inputs) {
		m.inputs[i].Mute = mute
	}
}

// SetSolo sets the per-input solo flag.
func (m *MixBus) SetSolo(i int, solo bool) {
	if i >= 0 && i < len(m.inputs) {
		m.inputs[i].Solo = solo
	}
}

// SetMasterGain sets the post-sum gain.
func (m *MixBus) SetMasterGain(g float32) { m.gain = g }

// MasterGain returns the bus output gain.
func (m *MixBus) MasterGain() float32 { return m.gain }

func (m *MixBus) Process(b *Block) error {
	out := b.Out[0][:b.Frames*Channels]

	anySolo := false
	for i := range m.inputs {
		if m.inputs[i].Solo {
			anySolo = true
			break
		}
	}

	for port, in := range b.In {
		strip := m.inputs[port]
		if strip.Mute || (anySolo && !strip.Solo) {
			continue
		}
		lGain := strip.Gain
		rGain := strip.Gain
		if strip.Pan > 0 {
			lGain *= 1 - strip.Pan
		} else if strip.Pan < 0 {
			rGain *= 1 + strip.Pan
		}
		for f := 0; f < b.Frames; f++ {
			out[f*2] += in[f*2] * lGain
			out[f*2+1] += in[f*2+1] * rGain
		}
	}

	if m.gain != 1.0 {
		for i := range out {
			out[i] *= m.gain
		}
	}
	return nil
}
