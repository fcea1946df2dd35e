package persist

import (
	"context"
	"time"
)

type Phase string

const (
	PhaseIdle                  Phase = "idle"
	PhaseDragging              Phase = "dragging"
	PhaseAwaitingTransitionEnd Phase = "awaiting-transition-end"
	PhaseAwaitingScrollEnd     Phase = "awaiting-scroll-end"
	PhaseScheduled             Phase = "scheduled"
	PhaseSaved                 Phase = "saved"
)

// gesture tracks one gesture kind. generation invalidates timers that were
// stopped too late to prevent their callback from running.
type gesture struct {
	phase      Phase
	pending    map[string]struct{}
	scrolling  bool
	timer      *time.Timer
	generation uint64
}

func (g *gesture) cancel() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.generation++
}

func (s *Scheduler) gestureLocked(kind string) *gesture {
	g, ok := s.gestures[kind]
	if !ok {
		g = &gesture{phase: PhaseIdle, pending: map[string]struct{}{}}
		s.gestures[kind] = g
	}
	return g
}

// StartDrag begins a gesture of kind. Each element is expected to report
// TransitionEnded once it has settled. A new gesture replaces any pending
// save of the same kind.
func (s *Scheduler) StartDrag(kind string, elements ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	g := s.gestureLocked(kind)
	g.cancel()
	g.phase = PhaseDragging
	g.pending = make(map[string]struct{}, len(elements))
	for _, el := range elements {
		g.pending[el] = struct{}{}
	}
	s.store.SetDraggedItems(elements)
	s.log.Debug().Str("kind", kind).Int("elements", len(elements)).Msg("gesture started")
}

// EndDrag marks the pointer released. The save waits for outstanding
// transitions and scrolling.
func (s *Scheduler) EndDrag(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gestures[kind]
	if !ok || s.closed {
		return
	}
	s.store.SetDraggedItems(nil)
	s.advanceLocked(kind, g, s.debounce)
}

// TransitionEnded reports that element finished animating. Every call
// restarts the debounce timer once nothing else is outstanding.
func (s *Scheduler) TransitionEnded(kind, element string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gestures[kind]
	if !ok || s.closed {
		return
	}
	delete(g.pending, element)
	s.advanceLocked(kind, g, s.debounce)
}

func (s *Scheduler) ScrollStarted(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	g := s.gestureLocked(kind)
	g.cancel()
	g.scrolling = true
	g.phase = PhaseAwaitingScrollEnd
}

// ScrollSettled ends smooth scrolling; the save is scheduled after the
// scroll buffer on top of the debounce delay.
func (s *Scheduler) ScrollSettled(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gestures[kind]
	if !ok || s.closed {
		return
	}
	g.scrolling = false
	s.advanceLocked(kind, g, s.scrollBuffer+s.debounce)
}

// StopDrag cancels the pending save of each kind, or of every kind when
// none is given. A save that already started is not interrupted.
func (s *Scheduler) StopDrag(kinds ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(kinds) == 0 {
		for kind := range s.gestures {
			kinds = append(kinds, kind)
		}
	}
	for _, kind := range kinds {
		if g, ok := s.gestures[kind]; ok {
			g.cancel()
			delete(s.gestures, kind)
		}
	}
	s.store.SetDraggedItems(nil)
}

func (s *Scheduler) Phase(kind string) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gestures[kind]
	if !ok {
		return PhaseIdle
	}
	return g.phase
}

func (s *Scheduler) advanceLocked(kind string, g *gesture, delay time.Duration) {
	switch {
	case g.scrolling:
		g.phase = PhaseAwaitingScrollEnd
	case len(g.pending) > 0:
		g.phase = PhaseAwaitingTransitionEnd
	default:
		s.scheduleLocked(kind, g, delay)
	}
}

func (s *Scheduler) scheduleLocked(kind string, g *gesture, delay time.Duration) {
	g.cancel()
	g.phase = PhaseScheduled
	generation := g.generation
	g.timer = time.AfterFunc(delay, func() { s.fire(kind, generation) })
}

func (s *Scheduler) fire(kind string, generation uint64) {
	s.mu.Lock()
	g, ok := s.gestures[kind]
	if !ok || g.generation != generation || g.phase != PhaseScheduled || s.closed {
		s.mu.Unlock()
		return
	}
	g.timer = nil
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	err := s.ExecuteSave(context.Background(), kind+" settled")

	s.mu.Lock()
	defer s.mu.Unlock()
	if g.generation == generation && err == nil {
		g.phase = PhaseSaved
	} else if g.generation == generation {
		g.phase = PhaseIdle
	}
}

// Flush runs one save now if any gesture save is pending, replacing the
// timers. It is used on shutdown.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := false
	var flushed []*gesture
	for _, g := range s.gestures {
		if g.phase == PhaseScheduled {
			g.cancel()
			pending = true
			flushed = append(flushed, g)
		}
	}
	s.mu.Unlock()
	if !pending {
		return nil
	}
	err := s.ExecuteSave(ctx, "flush")
	if err == nil {
		s.mu.Lock()
		for _, g := range flushed {
			if g.phase == PhaseScheduled {
				g.phase = PhaseSaved
			}
		}
		s.mu.Unlock()
	}
	return err
}
