//go:build linux || darwin

package poll

import (
	"github.com/joeycumines/go-ionet"
)

// token is the stable position token of a registration. It addresses a slot
// in the arena, and is only valid while the slot's generation is unchanged.
type token struct {
	idx int32
	gen uint32
}

// slot is an arena entry holding one registration record.
type slot struct {
	handler Handler
	fd      int
	pos     int // index into registry.order
	gen     uint32
	mask    Mask
	live    bool
}

// readyEvent is one entry of a wait pass snapshot, already translated to the
// portable vocabulary.
type readyEvent struct {
	tok  token
	mask Mask
}

// registry is the bookkeeping shared by every backend: an arena of slots with
// a free list, a side table mapping fd to slot, and a packed sequence of the
// active slots (swap-remove on removal).
//
// NOT thread-safe, all access happens on the owning loop's goroutine.
type registry struct {
	slots []slot
	free  []int32
	byFD  []int32 // fd -> slot index + 1, 0 meaning unregistered
	order []int32 // packed active slot indices
}

// add registers fd, returning its token and its position in the packed
// sequence.
func (r *registry) add(fd int, mask Mask, h Handler) (token, int, error) {
	if fd < 0 || fd > maxFD {
		return token{}, 0, ionet.NewError(ionet.InvalidParam, "poll.Register", nil)
	}
	if fd < len(r.byFD) && r.byFD[fd] != 0 {
		return token{}, 0, ionet.NewError(ionet.InvalidState, "poll.Register", errAlreadyRegistered)
	}

	if fd >= len(r.byFD) {
		// grow in chunks to amortize
		newSize := max(fd*2+1, 64)
		if newSize > maxFD+1 {
			newSize = maxFD + 1
		}
		byFD := make([]int32, newSize)
		copy(byFD, r.byFD)
		r.byFD = byFD
	}

	var idx int32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = int32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}

	pos := len(r.order)
	s := &r.slots[idx]
	s.handler = h
	s.fd = fd
	s.pos = pos
	s.mask = mask
	s.live = true

	r.order = append(r.order, idx)
	r.byFD[fd] = idx + 1

	return token{idx: idx, gen: s.gen}, pos, nil
}

// lookup returns the slot index registered for fd.
func (r *registry) lookup(fd int) (int32, bool) {
	if fd < 0 || fd >= len(r.byFD) || r.byFD[fd] == 0 {
		return 0, false
	}
	return r.byFD[fd] - 1, true
}

// tokenOf returns the current token for fd.
func (r *registry) tokenOf(fd int) (token, bool) {
	idx, ok := r.lookup(fd)
	if !ok {
		return token{}, false
	}
	return token{idx: idx, gen: r.slots[idx].gen}, true
}

// tokenAt returns the token of the registration at pos in the packed
// sequence.
func (r *registry) tokenAt(pos int) token {
	idx := r.order[pos]
	return token{idx: idx, gen: r.slots[idx].gen}
}

// valid resolves tok, failing if the registration it addressed has since been
// removed, or the slot recycled.
func (r *registry) valid(tok token) (*slot, bool) {
	if tok.idx < 0 || int(tok.idx) >= len(r.slots) {
		return nil, false
	}
	s := &r.slots[tok.idx]
	if !s.live || s.gen != tok.gen {
		return nil, false
	}
	return s, true
}

// consistent reports whether the slot's recorded position agrees with the
// packed sequence.
func (r *registry) consistent(idx int32) bool {
	pos := r.slots[idx].pos
	return pos >= 0 && pos < len(r.order) && r.order[pos] == idx
}

// remove unregisters fd, swap-removing it from the packed sequence. The
// returned pos is the vacated position, and last the position whose entry
// was moved into it, allowing backends to mirror the swap on any parallel
// arrays. A pos of -1 means no packed entry was removed.
//
// A recorded position that is out of range is treated as success, clearing
// only the side table. Callers rely on removal being a harmless no-op there.
func (r *registry) remove(fd int) (pos, last int, err error) {
	idx, ok := r.lookup(fd)
	if !ok {
		return -1, -1, ionet.NewError(ionet.InvalidParam, "poll.Unregister", errNotRegistered)
	}

	r.byFD[fd] = 0
	s := &r.slots[idx]
	consistent := r.consistent(idx)
	pos = s.pos

	*s = slot{gen: s.gen + 1}
	r.free = append(r.free, idx)

	if !consistent {
		return -1, -1, nil
	}

	last = len(r.order) - 1
	if pos != last {
		moved := r.order[last]
		r.order[pos] = moved
		r.slots[moved].pos = pos
	}
	r.order = r.order[:last]
	return pos, last, nil
}

// update replaces the interest mask for fd, returning its position.
func (r *registry) update(fd int, mask Mask) (int32, error) {
	idx, ok := r.lookup(fd)
	if !ok {
		return 0, ionet.NewError(ionet.InvalidParam, "poll.Update", errNotRegistered)
	}
	if !r.consistent(idx) || r.slots[idx].fd != fd {
		return 0, ionet.NewError(ionet.InvalidState, "poll.Update", errInconsistent)
	}
	r.slots[idx].mask = mask
	return idx, nil
}

// len returns the number of active registrations.
func (r *registry) len() int {
	return len(r.order)
}

// reset drops every registration.
func (r *registry) reset() {
	*r = registry{}
}

// dispatch invokes the handler of each snapshot entry whose registration is
// still valid. The delivered mask is limited to the current interest, plus
// Error. Handlers may mutate the registry freely.
func (r *registry) dispatch(ready []readyEvent) int {
	var n int
	for i := range ready {
		s, ok := r.valid(ready[i].tok)
		if !ok {
			continue
		}
		m := ready[i].mask & (s.mask | Error)
		h := s.handler
		if m == 0 || h == nil {
			continue
		}
		n++
		h(m)
	}
	return n
}
