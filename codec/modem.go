package codec

import (
	"math"

	"github.com/athernet-go/athernet/frame"
)

// Wave is a single precomputed cycle of the carrier tone. Modulation and
// demodulation both read from it by offset rather than calling math.Sin
// per sample.
type Wave struct {
	samples []int16
}

// NewWave builds a carrier cycle of period samples (one full sine period)
// at the given 16-bit amplitude.
func NewWave(period int, amplitude int16) Wave {
	var samples = make([]int16, period)
	for i := 0; i < period; i++ {
		var phase = float64(i) * 2 * math.Pi / float64(period)
		samples[i] = int16(math.Sin(phase) * float64(amplitude))
	}
	return Wave{samples: samples}
}

func (w Wave) at(t int) int16 {
	var n = len(w.samples)
	return w.samples[((t%n)+n)%n]
}

// peak returns the carrier's amplitude, i.e. the largest magnitude among
// its samples, used to scale the demodulator's carrier-sense floor to
// whatever amplitude this Wave was actually built with.
func (w Wave) peak() int64 {
	var max int64
	for _, s := range w.samples {
		var v = abs64(int64(s))
		if v > max {
			max = v
		}
	}
	return max
}

// Params bundles the timing constants shared by the modulator and the
// demodulator: a symbol must be built and matched with the same carrier,
// period and length on both ends of the link.
type Params struct {
	Carrier   Wave
	Period    int // samples per carrier cycle
	SymbolLen int // samples transmitted per line bit (3 or 5)
	Preamble  []bool
}

// Modulator turns a bitstream (already 4B/5B+NRZI line-coded) into BPSK
// audio samples: a 0 bit plays the carrier in phase, a 1 bit plays it
// with a half-cycle phase flip.
type Modulator struct {
	p Params
}

func NewModulator(p Params) Modulator { return Modulator{p: p} }

// Modulate prepends the preamble and emits SymbolLen samples per bit.
func (m Modulator) Modulate(lineBits []bool) []int16 {
	var total = (len(m.p.Preamble) + len(lineBits)) * m.p.SymbolLen
	var out = make([]int16, 0, total)

	var emit = func(bit bool) {
		var offset = 0
		if bit {
			offset = m.p.Period / 2
		}
		for i := 0; i < m.p.SymbolLen; i++ {
			out = append(out, m.p.Carrier.at(offset+i))
		}
	}

	for _, bit := range m.p.Preamble {
		emit(bit)
	}
	for _, bit := range lineBits {
		emit(bit)
	}

	return out
}

// ModulateFrame is the convenience entry point used by the MAC layer: it
// line-codes f's wire bytes and modulates the result to audio samples.
func ModulateFrame(p Params, f frame.Frame) []int16 {
	var encoded = f.Encode()
	var lineBits = EncodeNRZI(Encode4B5B(encoded))
	return NewModulator(p).Modulate(lineBits)
}

type demodState int

const (
	stateWait demodState = iota
	stateReceive
)

// headerMatchFraction is the share of a perfectly-aligned preamble's own
// autocorrelation energy that a live window must reach before it is
// trusted as a real preamble rather than noise. A window holding exactly
// the transmitted preamble at the same amplitude scores its full energy;
// requiring only a fraction of that tolerates the attenuation and phase
// slop a real channel introduces without needing to retune this constant
// per configured amplitude (the energy it is compared against scales
// with amplitude automatically).
const headerMatchFraction = 0.5

// movingAverageWindow is the time constant (in samples) of the envelope
// follower used for carrier sense; activeFraction is its floor, as a
// fraction of the configured carrier amplitude, above which the channel
// is judged busy.
const (
	movingAverageWindow = 64
	activeFraction      = 0.05
)

// Demodulator recovers line bits from a raw sample stream: it waits for
// a Barker preamble correlation peak, locks onto the following symbol
// boundary, decodes BPSK bits via dot product against the carrier, runs
// them back through NRZI+4B/5B decoding, and assembles a frame.Frame once
// enough bytes have arrived to know its total length.
type Demodulator struct {
	p   Params
	mac byte

	preamble        []int16 // rendered Barker preamble waveform
	preambleEnergy  int64   // preamble's own autocorrelation, the best achievable match score
	activeThreshold int64   // moving-average floor above which the channel is judged busy

	window    []int16 // most recent len(preamble) samples for correlation
	state     demodState
	lastProd  int64
	movingAvg int64

	symBuf    []int16 // samples collected toward the current symbol boundary
	nrziLast  bool
	fiveBuf   byte
	fiveCount int
	pendingNibble byte
	havePending   bool
	frameBuf  []byte

	active bool // whether the channel is currently judged busy
}

// NewDemodulator constructs a Demodulator that only accepts frames
// addressed to mac (or broadcast).
func NewDemodulator(p Params, mac byte) *Demodulator {
	var preamble = p.preambleWave()
	var d = &Demodulator{
		p:               p,
		mac:             mac,
		preamble:        preamble,
		preambleEnergy:  dotProduct(preamble, preamble),
		activeThreshold: int64(float64(p.Carrier.peak()) * activeFraction),
		window:          make([]int16, 0, len(preamble)),
	}
	return d
}

// Active reports whether the demodulator currently judges the channel
// busy, i.e. carrier sense for the MAC layer's CSMA/CA.
func (d *Demodulator) Active() bool { return d.active }

func dotProduct(a, b []int16) int64 {
	var sum int64
	var n = len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += int64(a[i]) * int64(b[i])
	}
	return sum
}

func movingAverage(last, next, constant int64) int64 {
	return (last*(constant-1) + next) / constant
}

// preambleWave renders the Barker preamble as BPSK samples once, so the
// correlation step compares like-for-like against the actual waveform
// rather than against the raw bit pattern.
func (p Params) preambleWave() []int16 {
	var out = make([]int16, 0, len(p.Preamble)*p.SymbolLen)
	for _, bit := range p.Preamble {
		var offset = 0
		if bit {
			offset = p.Period / 2
		}
		for i := 0; i < p.SymbolLen; i++ {
			out = append(out, p.Carrier.at(offset+i))
		}
	}
	return out
}

// Push feeds one audio sample into the demodulator. When a complete,
// CRC-valid frame has been assembled, it is returned with ok set to true.
func (d *Demodulator) Push(sample int16) (f frame.Frame, ok bool) {
	if len(d.window) == len(d.preamble) {
		d.window = d.window[1:]
	}
	d.window = append(d.window, sample)

	if d.state == stateReceive {
		if fr, got := d.receiveSample(sample); got {
			d.state = stateWait
			return fr, true
		}
	}

	if len(d.window) != len(d.preamble) {
		return frame.Frame{}, false
	}

	var prod = dotProduct(d.window, d.preamble)
	d.movingAvg = movingAverage(d.movingAvg, abs64(int64(sample)), movingAverageWindow)
	var threshold = int64(float64(d.preambleEnergy) * headerMatchFraction)
	var fallingOffPeak = d.lastProd > prod

	// A single-peak acquisition: once the correlation product clears the
	// preamble-energy threshold and has just started to fall off
	// (fallingOffPeak), the previous sample was the lock point and this
	// one is the first sample of the first post-preamble symbol. That
	// sample must be fed to receiveSample right here rather than on the
	// next Push, or the first data symbol loses one sample and every
	// symbol boundary after it drifts by the same amount.
	if d.state == stateWait && fallingOffPeak && d.lastProd > threshold {
		d.beginReceive()
		d.lastProd = prod
		d.active = d.movingAvg > d.activeThreshold
		if fr, got := d.receiveSample(sample); got {
			d.state = stateWait
			return fr, true
		}
		return frame.Frame{}, false
	}

	d.lastProd = prod
	d.active = d.movingAvg > d.activeThreshold

	return frame.Frame{}, false
}

func (d *Demodulator) beginReceive() {
	d.state = stateReceive
	d.symBuf = d.symBuf[:0]
	d.nrziLast = false
	d.fiveBuf = 0
	d.fiveCount = 0
	d.pendingNibble = 0
	d.havePending = false
	d.frameBuf = d.frameBuf[:0]
}

// receiveSample accumulates samples into symbol-length groups, recovers
// one line bit per group via carrier correlation, and threads it through
// NRZI decode, 4B/5B decode, and frame byte assembly.
func (d *Demodulator) receiveSample(sample int16) (frame.Frame, bool) {
	d.symBuf = append(d.symBuf, sample)
	if len(d.symBuf) < d.p.SymbolLen {
		return frame.Frame{}, false
	}

	var prod = dotProduct(d.symBuf, d.p.Carrier.samples[:d.p.SymbolLen])
	d.symBuf = d.symBuf[:0]
	var lineBit = prod < 0

	var bit = d.nrziLast != lineBit
	d.nrziLast = lineBit

	d.fiveBuf |= boolToByte(bit) << uint(d.fiveCount)
	d.fiveCount++

	if d.fiveCount < 5 {
		return frame.Frame{}, false
	}

	var nibble, ok = decode5b(d.fiveBuf)
	d.fiveBuf = 0
	d.fiveCount = 0

	if !ok {
		d.state = stateWait
		return frame.Frame{}, false
	}

	if !d.havePending {
		d.pendingNibble = nibble
		d.havePending = true
		return frame.Frame{}, false
	}

	d.frameBuf = append(d.frameBuf, d.pendingNibble|(nibble<<4))
	d.havePending = false

	var total, known = frame.ExpectedSize(d.frameBuf)
	if !known {
		if len(d.frameBuf) > frame.MaxSize {
			d.state = stateWait
		}
		return frame.Frame{}, false
	}
	if len(d.frameBuf) < total {
		return frame.Frame{}, false
	}

	var fr, err = frame.Decode(d.frameBuf[:total])
	if err != nil {
		return frame.Frame{}, false
	}
	if fr.Dest() != d.mac&0xF && fr.Dest() != frame.Broadcast {
		d.state = stateWait
		return frame.Frame{}, false
	}
	return fr, true
}

func boolToByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
