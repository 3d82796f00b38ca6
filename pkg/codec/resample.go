package codec

// Decimate keeps every factor-th sample starting at index 0.
func Decimate(pcm []int16, factor int) []int16 {
	if factor <= 1 {
		return append([]int16(nil), pcm...)
	}
	out := make([]int16, 0, len(pcm)/factor+1)
	for i := 0; i < len(pcm); i += factor {
		out = append(out, pcm[i])
	}
	return out
}

// Decimator is the streaming form of Decimate. It carries the stride phase
// across chunks, so the output rate is exactly input rate / factor however
// the input is split.
type Decimator struct {
	factor int
	phase  int
}

func NewDecimator(factor int) *Decimator {
	if factor < 1 {
		factor = 1
	}
	return &Decimator{factor: factor}
}

func (d *Decimator) Process(pcm []int16) []int16 {
	out := make([]int16, 0, len(pcm)/d.factor+1)
	i := d.phase
	for ; i < len(pcm); i += d.factor {
		out = append(out, pcm[i])
	}
	d.phase = i - len(pcm)
	return out
}

func (d *Decimator) Reset() { d.phase = 0 }

// Upsampler raises the rate by an integer factor with linear interpolation
// between consecutive samples. The last sample of a chunk is carried into
// the next one.
type Upsampler struct {
	factor  int
	prev    int16
	hasPrev bool
}

func NewUpsampler(factor int) *Upsampler {
	if factor < 1 {
		factor = 1
	}
	return &Upsampler{factor: factor}
}

func (u *Upsampler) Process(pcm []int16) []int16 {
	if u.factor == 1 {
		return append([]int16(nil), pcm...)
	}
	out := make([]int16, 0, len(pcm)*u.factor)
	for _, x := range pcm {
		if !u.hasPrev {
			u.prev = x
			u.hasPrev = true
		}
		delta := int(x) - int(u.prev)
		for k := 1; k <= u.factor; k++ {
			out = append(out, int16(int(u.prev)+delta*k/u.factor))
		}
		u.prev = x
	}
	return out
}
