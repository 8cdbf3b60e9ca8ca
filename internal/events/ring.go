package events

// ring is a fixed-capacity event buffer. Past capacity, the oldest event
// is overwritten. Callers synchronize access.
type ring struct {
	buf  []Event
	head int // next write position
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(evt Event) {
	r.buf[r.head] = evt
	r.head = (r.head + 1) % len(r.buf)
	if r.head == 0 && !r.full {
		r.full = true
	}
}

// snapshot returns retained events oldest first.
func (r *ring) snapshot() []Event {
	if !r.full {
		out := make([]Event, r.head)
		copy(out, r.buf[:r.head])
		return out
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.head:]...)
	out = append(out, r.buf[:r.head]...)
	return out
}

func (r *ring) clear() {
	r.head = 0
	r.full = false
}
