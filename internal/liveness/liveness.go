// Package liveness detects the teardown of an object by one of its own
// callbacks, mid-dispatch.
//
// The dispatching code declares a [Frame] on its own stack, and enters it on
// the object's [Guard] before invoking callbacks. Teardown calls Kill, which
// marks every active frame dead. The liveness bit lives in the frame, not the
// object, so it remains valid to check after the object is torn down:
//
//	var f liveness.Frame
//	s.guard.Enter(&f)
//	defer s.guard.Exit(&f)
//	s.onRead()
//	if !f.Alive() {
//	    return // s was closed by onRead
//	}
//	s.onWrite()
//
// Not safe for concurrent use. Frames MUST be exited in LIFO order.
package liveness

// Guard is embedded in, or held by, the guarded object. The zero value is
// ready to use.
type Guard struct {
	top *Frame
}

// Frame is one active dispatch over a guarded object.
type Frame struct {
	prev *Frame
	dead bool
}

// Enter pushes f, which MUST NOT already be active.
func (g *Guard) Enter(f *Frame) {
	f.prev = g.top
	f.dead = false
	g.top = f
}

// Exit pops f. Exiting a frame invalidated by Kill is a no-op.
func (g *Guard) Exit(f *Frame) {
	if g.top == f {
		g.top = f.prev
	}
	f.prev = nil
}

// Kill marks every active frame dead, including those of enclosing
// (reentrant) dispatches.
func (g *Guard) Kill() {
	for f := g.top; f != nil; {
		next := f.prev
		f.dead = true
		f.prev = nil
		f = next
	}
	g.top = nil
}

// Active reports whether any frame is in progress.
func (g *Guard) Active() bool {
	return g.top != nil
}

// Alive reports whether the guarded object was not torn down since f
// was entered.
func (f *Frame) Alive() bool {
	return !f.dead
}
