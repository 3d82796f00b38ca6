package codec

// TelephonyFrameBytes is 20 ms of 8 kHz μ-law.
const TelephonyFrameBytes = 160

// Framer cuts a byte stream into fixed-size frames and keeps the remainder
// until more bytes arrive or Flush is called.
type Framer struct {
	size int
	buf  []byte
}

func NewFramer(size int) *Framer {
	if size <= 0 {
		size = TelephonyFrameBytes
	}
	return &Framer{size: size}
}

func (f *Framer) Push(b []byte) [][]byte {
	f.buf = append(f.buf, b...)
	var frames [][]byte
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		frames = append(frames, frame)
		f.buf = f.buf[f.size:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Flush returns the partial frame, if any.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	out := f.buf
	f.buf = nil
	return out
}

func (f *Framer) Reset() { f.buf = nil }

func (f *Framer) Pending() int { return len(f.buf) }
