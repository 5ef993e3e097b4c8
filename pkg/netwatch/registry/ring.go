package registry

import "github.com/vpbank/netwatch/models"

// ring is a fixed-capacity circular buffer of snapshots. It is not safe for
// concurrent use; the owning record's mutex guards it.
type ring struct {
	buf  []*models.MetricSnapshot
	next int
	full bool
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1
	}
	return &ring{buf: make([]*models.MetricSnapshot, size)}
}

func (r *ring) push(s *models.MetricSnapshot) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// slice returns the contents oldest first.
func (r *ring) slice() []*models.MetricSnapshot {
	if !r.full {
		out := make([]*models.MetricSnapshot, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]*models.MetricSnapshot, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
