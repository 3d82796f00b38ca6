package codec

import "fmt"

const TelephonyRate = 8000

// Agent audio formats, as named by the realtime API.
const (
	FormatPCM16 = "pcm16"
	FormatULaw  = "g711_ulaw"
)

// Downlink turns agent audio deltas into telephony frames.
type Downlink struct {
	format    string
	decimator *Decimator
	framer    *Framer

	// odd holds the first byte of a sample split across deltas.
	odd    byte
	hasOdd bool
}

// NewDownlink builds the agent → telephony path. For pcm16 the agent rate must
// be a whole multiple of 8 kHz.
func NewDownlink(format string, agentRate int) (*Downlink, error) {
	d := &Downlink{format: format, framer: NewFramer(TelephonyFrameBytes)}
	switch format {
	case FormatULaw:
	case FormatPCM16, "":
		d.format = FormatPCM16
		factor, err := rateFactor(agentRate)
		if err != nil {
			return nil, err
		}
		d.decimator = NewDecimator(factor)
	default:
		return nil, fmt.Errorf("unsupported agent output format %q", format)
	}
	return d, nil
}

// Write converts one delta and returns the complete frames it produced.
func (d *Downlink) Write(delta []byte) [][]byte {
	if d.format == FormatULaw {
		return d.framer.Push(delta)
	}
	if d.hasOdd {
		delta = append([]byte{d.odd}, delta...)
		d.hasOdd = false
	}
	if len(delta)%2 == 1 {
		d.odd, d.hasOdd = delta[len(delta)-1], true
		delta = delta[:len(delta)-1]
	}
	pcm := d.decimator.Process(BytesToPCM16(delta))
	return d.framer.Push(EncodeMulawFrame(pcm))
}

// Flush returns the trailing partial frame at a turn boundary.
func (d *Downlink) Flush() []byte {
	d.hasOdd = false
	if d.decimator != nil {
		d.decimator.Reset()
	}
	return d.framer.Flush()
}

// Discard drops buffered audio, e.g. on barge-in.
func (d *Downlink) Discard() {
	d.hasOdd = false
	if d.decimator != nil {
		d.decimator.Reset()
	}
	d.framer.Reset()
}

// Uplink turns telephony μ-law payloads into agent input audio.
type Uplink struct {
	format    string
	upsampler *Upsampler
}

func NewUplink(format string, agentRate int) (*Uplink, error) {
	u := &Uplink{format: format}
	switch format {
	case FormatULaw:
	case FormatPCM16, "":
		u.format = FormatPCM16
		factor, err := rateFactor(agentRate)
		if err != nil {
			return nil, err
		}
		u.upsampler = NewUpsampler(factor)
	default:
		return nil, fmt.Errorf("unsupported agent input format %q", format)
	}
	return u, nil
}

func (u *Uplink) Write(mulaw []byte) []byte {
	if u.format == FormatULaw {
		return append([]byte(nil), mulaw...)
	}
	return PCM16ToBytes(u.upsampler.Process(DecodeMulawFrame(mulaw)))
}

func rateFactor(agentRate int) (int, error) {
	if agentRate <= 0 {
		agentRate = 24000
	}
	if agentRate%TelephonyRate != 0 {
		return 0, fmt.Errorf("agent sample rate %d is not a multiple of %d", agentRate, TelephonyRate)
	}
	return agentRate / TelephonyRate, nil
}
