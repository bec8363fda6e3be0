// package sweeper
package sweeper

import (
	"log"
	"sync"
	"time"

	"github.com/streamfi/streamd/lib/store"
)

// Status possible values, control whether a Sweeper is working or is/has to stop
const (
	WORK int = 0
	STOP int = 1
)

// Sweeper tracks the state of the background reconciliation loop: its run status and the pending claims it has
// seen, with how many sweeps each has stayed unresolved.
type Sweeper struct {
	l      sync.Mutex // l is a mutex to ensure concurrent updating of the pending map
	status int
	Sweeps uint64         // sweeps completed
	Last   time.Time      // time of the last completed sweep
	Map    map[string]int // pending claim key to the number of sweeps it has stayed unresolved
}

// New seeds a Sweeper with the streams currently carrying a pending claim, so attempt counts survive a restart of
// the sweep loop within the process.
func New(pending []store.Stream) *Sweeper {
	var sw Sweeper

	sw.status = WORK
	sw.Map = make(map[string]int)

	for _, s := range pending {
		if s.Claim != nil {
			sw.Map[s.Claim.Key] = 0
		}
	}

	log.Printf("sweeper.New with %d pending claims", len(sw.Map))

	return &sw
}

// Note records one more unresolved sweep for the claim key and returns the total count.
func (s *Sweeper) Note(key string) int {
	s.l.Lock()
	defer s.l.Unlock()
	s.Map[key]++

	return s.Map[key]
}

// Forget drops a resolved claim key from the pending map returning its attempt count and an ok flag.
func (s *Sweeper) Forget(key string) (n int, ok bool) {
	s.l.Lock()
	defer s.l.Unlock()
	n, ok = s.Map[key]
	delete(s.Map, key)

	return
}

// Pending returns the number of claim keys still unresolved.
func (s *Sweeper) Pending() int {
	s.l.Lock()
	defer s.l.Unlock()

	return len(s.Map)
}

// Done records a completed sweep.
func (s *Sweeper) Done(at time.Time) {
	s.l.Lock()
	s.Sweeps++
	s.Last = at
	s.l.Unlock()
}

// Stop sets status to STOP
func (s *Sweeper) Stop() {
	s.l.Lock()
	s.status = STOP
	s.l.Unlock()
}

// Start sets status to WORK
func (s *Sweeper) Start() {
	s.l.Lock()
	s.status = WORK
	s.l.Unlock()
}

// Status returns the current Sweeper status
func (s *Sweeper) Status() int {
	s.l.Lock()
	defer s.l.Unlock()

	return s.status
}
