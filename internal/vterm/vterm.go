// Package vterm implements the Virtual Terminal: a bounded byte ring that
// holds the recent output of one Instance for replay on subscribe and
// reconnect. It performs no escape-sequence parsing — bytes go in exactly as
// they arrived and come back out exactly as they were appended.
package vterm

import (
	"fmt"
)

// MinCapacity and the page-alignment requirement from spec.md §4.B.
const (
	MinCapacity   = 1 << 20 // 1 MiB
	pageAlignment = 4 << 10 // 4 KiB
)

// VTerm is a fixed-capacity byte ring plus a monotonic append counter. It is
// not safe for concurrent use: the owning Instance Actor serializes all
// access (spec.md §4.B, §5).
type VTerm struct {
	buf      []byte
	head     int // write position, index into buf
	filled   int // bytes currently held, <= len(buf)
	total    uint64
	cols     int
	rows     int
}

// New creates a VTerm with the given ring capacity and initial grid.
func New(capacity int, cols, rows int) (*VTerm, error) {
	if capacity < MinCapacity {
		return nil, fmt.Errorf("vterm: capacity %d below minimum %d", capacity, MinCapacity)
	}
	if capacity%pageAlignment != 0 {
		return nil, fmt.Errorf("vterm: capacity %d not a multiple of %d", capacity, pageAlignment)
	}
	return &VTerm{
		buf:  make([]byte, capacity),
		cols: cols,
		rows: rows,
	}, nil
}

// Append writes bytes to the ring in arrival order, overwriting the oldest
// surviving bytes once capacity is exceeded.
func (v *VTerm) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	cap := len(v.buf)

	// If the incoming chunk alone exceeds capacity, only its tail survives.
	if len(p) >= cap {
		copy(v.buf, p[len(p)-cap:])
		v.head = 0
		v.filled = cap
		v.total += uint64(len(p))
		return
	}

	n := len(p)
	for n > 0 {
		writable := cap - v.head
		chunk := n
		if chunk > writable {
			chunk = writable
		}
		copy(v.buf[v.head:v.head+chunk], p[len(p)-n:len(p)-n+chunk])
		v.head = (v.head + chunk) % cap
		n -= chunk
	}
	if v.filled < cap {
		v.filled += len(p)
		if v.filled > cap {
			v.filled = cap
		}
	}
	v.total += uint64(len(p))
}

// TotalAppended returns the monotonic count of bytes ever appended.
func (v *VTerm) TotalAppended() uint64 {
	return v.total
}

// earliestRetained is the sequence number of the oldest byte still in the
// ring: total_appended - buffered_bytes (capped at 0 before any overflow).
func (v *VTerm) earliestRetained() uint64 {
	if v.total < uint64(v.filled) {
		return 0
	}
	return v.total - uint64(v.filled)
}

// snapshot copies out the last n bytes currently held (n <= v.filled).
func (v *VTerm) snapshot(n int) []byte {
	if n <= 0 {
		return nil
	}
	cap := len(v.buf)
	out := make([]byte, n)
	start := (v.head - n + cap) % cap
	if start+n <= cap {
		copy(out, v.buf[start:start+n])
	} else {
		first := cap - start
		copy(out, v.buf[start:cap])
		copy(out[first:], v.buf[:n-first])
	}
	return out
}

// History returns the most recent min(maxBytes, buffered) bytes in order,
// along with the sequence range [startSeq, endSeq) they occupy.
func (v *VTerm) History(maxBytes int) (data []byte, startSeq, endSeq uint64) {
	if maxBytes < 0 {
		maxBytes = 0
	}
	n := maxBytes
	if n > v.filled {
		n = v.filled
	}
	data = v.snapshot(n)
	endSeq = v.total
	startSeq = endSeq - uint64(len(data))
	return data, startSeq, endSeq
}

// Since returns the bytes appended since seq, capped to maxBytes and to what
// the ring still holds. gapLost is true when seq predates the earliest
// retained byte, meaning some bytes between seq and the returned start were
// permanently lost to ring overwrite.
func (v *VTerm) Since(seq uint64, maxBytes int) (data []byte, startSeq, endSeq uint64, gapLost bool) {
	if seq >= v.total {
		return nil, v.total, v.total, false
	}
	earliest := v.earliestRetained()
	gapLost = seq < earliest
	effectiveStart := seq
	if effectiveStart < earliest {
		effectiveStart = earliest
	}

	available := int(v.total - effectiveStart)
	n := available
	if maxBytes >= 0 && n > maxBytes {
		n = maxBytes
	}
	if n <= 0 {
		return nil, effectiveStart, effectiveStart, gapLost
	}

	// The snapshot helper only knows how to take the most recent N bytes of
	// what's retained; trim from the front if effectiveStart is newer than
	// the ring's oldest byte.
	allRetained := v.snapshot(v.filled)
	offset := int(effectiveStart - earliest)
	end := offset + n
	if end > len(allRetained) {
		end = len(allRetained)
	}
	data = append([]byte(nil), allRetained[offset:end]...)
	return data, effectiveStart, effectiveStart + uint64(len(data)), gapLost
}

// Grid returns the current logical cols x rows.
func (v *VTerm) Grid() (cols, rows int) {
	return v.cols, v.rows
}

// SetGrid updates the logical grid size. It does not itself touch buffered
// bytes; resize is a metadata change only (spec.md §4.B Non-goals: no
// reflow).
func (v *VTerm) SetGrid(cols, rows int) {
	v.cols, v.rows = cols, rows
}
