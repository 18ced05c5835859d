package util

// A Gate limits concurrency. Every gate has a maximum number of goroutines
// allowed through at a time. Goroutines enter the gate by calling Enter(),
// and signal they are done by calling Leave(). A gate may be stopped, which
// causes every waiting and future Enter() to return false.
type Gate struct {
	g    chan struct{} // tokens for goroutines inside the gate
	stop chan struct{} // closed when the gate is stopped
}

// NewGate returns a Gate admitting at most n goroutines at a time.
func NewGate(n int) *Gate {
	return &Gate{
		g:    make(chan struct{}, n),
		stop: make(chan struct{}),
	}
}

// Enter is called at the beginning of the section protected by the gate. It
// blocks until there are fewer than n goroutines inside, and then returns
// true. It returns false if the gate was stopped while waiting.
// It is safe to call from multiple goroutines.
func (g *Gate) Enter() bool {
	select {
	case g.g <- struct{}{}:
		return true
	case <-g.stop:
		return false
	}
}

// Leave marks a goroutine outside the protected section. Balance each
// successful Enter with exactly one Leave. Enter and Leave do not need to
// be called from the same goroutine.
func (g *Gate) Leave() {
	<-g.g
}

// Stop causes all current and future Enter calls to return false.
// Goroutines already inside the gate are unaffected. Stop may only be
// called once.
func (g *Gate) Stop() {
	close(g.stop)
}
