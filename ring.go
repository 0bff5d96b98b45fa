package daqhat

// sampleRing is the fixed-capacity circular store between a scan worker and
// readers. The worker is the only writer; readers are serialized by the
// owning device's mutex, which also guards every call here. The ring never
// grows, and it always keeps the newest samples: pushes past the free space
// drop the oldest buffered samples. The scan worker checks free() before
// pushing, since for a scan dropped samples are an overrun, not a rotation.
type sampleRing struct {
	buf   []float64
	write int
	read  int
	depth int
}

func newSampleRing(size int) *sampleRing {
	return &sampleRing{buf: make([]float64, size)}
}

func (r *sampleRing) size() int { return len(r.buf) }

func (r *sampleRing) available() int { return r.depth }

func (r *sampleRing) free() int { return len(r.buf) - r.depth }

// pushSlice appends src in production order, wrapping internally. When src
// exceeds the free space the oldest samples are dropped to make room; of a
// src longer than the whole ring only the last size() values survive.
func (r *sampleRing) pushSlice(src []float64) {
	size := len(r.buf)
	if len(src) >= size {
		copy(r.buf, src[len(src)-size:])
		r.write = 0
		r.read = 0
		r.depth = size
		return
	}
	if dropped := len(src) - r.free(); dropped > 0 {
		r.read = (r.read + dropped) % size
		r.depth -= dropped
	}
	n := copy(r.buf[r.write:], src)
	copy(r.buf, src[n:])
	r.write = (r.write + len(src)) % size
	r.depth += len(src)
}

// popInto fills dst with the oldest samples, up to len(dst), and returns how
// many were copied.
func (r *sampleRing) popInto(dst []float64) int {
	n := len(dst)
	if n > r.depth {
		n = r.depth
	}
	if n == 0 {
		return 0
	}
	m := copy(dst[:n], r.buf[r.read:])
	copy(dst[m:n], r.buf)
	r.read = (r.read + n) % len(r.buf)
	r.depth -= n
	return n
}
