package docengine

import (
	"math"

	"github.com/collabnote/server/internal/protocol"
)

// applyChange executes one Change's text operation against content,
// per spec.md §4.5's three operation definitions. Out-of-range
// coordinates are clamped rather than rejected, matching the DocEngine
// worker's clamp-and-log failure semantics.
func applyChange(content string, c protocol.Change) string {
	runes := []rune(content)
	start := clamp(c.Start, 0, len(runes))
	end := clamp(c.End, start, len(runes))

	switch c.Op {
	case protocol.OpInsert:
		return string(runes[:start]) + c.Text + string(runes[start:])
	case protocol.OpDelete:
		return string(runes[:start]) + string(runes[end:])
	case protocol.OpUpdate:
		return string(runes[:start]) + c.Text + string(runes[end:])
	default:
		return content
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// transformPosition transforms a single position p against a prior
// change, per the OT position-transform table in spec.md §4.5.
func transformPosition(p int, prior protocol.Change) int {
	s, e := prior.Start, prior.End
	l := len([]rune(prior.Text))

	switch prior.Op {
	case protocol.OpInsert:
		if p >= s {
			return p + l
		}
		return p
	case protocol.OpDelete:
		switch {
		case p >= e:
			return p - (e - s)
		case p > s && p < e:
			return s
		default:
			return p
		}
	case protocol.OpUpdate:
		switch {
		case p >= e:
			return p + (l - (e - s))
		case p > s && p < e:
			if e == s {
				return s
			}
			return s + int(math.Round(float64(p-s)*float64(l)/float64(e-s)))
		default:
			return p
		}
	default:
		return p
	}
}

// transformChange transforms both endpoints of c against prior. The
// returned bool is false when c's range collapsed to an empty,
// non-insert range — such a change is dropped by the caller per
// spec.md §4.5 — and true otherwise.
func transformChange(c protocol.Change, prior protocol.Change) (protocol.Change, bool) {
	c.Start = transformPosition(c.Start, prior)
	c.End = transformPosition(c.End, prior)
	if c.Start > c.End {
		c.Start, c.End = c.End, c.Start
	}
	collapsed := c.Start == c.End && c.Op != protocol.OpInsert
	return c, !collapsed
}

// transformIndex transforms a standalone cursor/selection position
// against an already-applied change, for updating other subscribers'
// cursors after a change lands. It reuses the same table as
// transformChange since a cursor position obeys the identical rule as
// a change endpoint.
func transformIndex(p int, applied protocol.Change) int {
	return transformPosition(p, applied)
}
