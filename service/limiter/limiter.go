package limiter

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/textileio/auctionhouse/lib/market"
)

// Limiter caps the listings of each seller. A granted request must be
// either committed once the listing exists or withdrawn if it failed.
type Limiter interface {
	Request(seller market.Address) bool
	Commit(seller market.Address)
	Withdraw(seller market.Address)
}

// SlidingWindow is a two-phase sliding log limiter keyed by seller. At any
// time a seller's usage is the listings committed within the last period
// plus those requested but not settled yet. Pending requests never expire.
type SlidingWindow struct {
	period time.Duration
	limit  uint64
	clock  clock.Clock

	mu      sync.Mutex
	windows map[market.Address]*window
}

type window struct {
	pending   uint64
	committed []time.Time // chronological
}

func (w *window) usage() uint64 {
	return w.pending + uint64(len(w.committed))
}

// NewSlidingWindow returns a Limiter which allows each seller at most limit
// listings per period.
func NewSlidingWindow(period time.Duration, limit uint64, clk clock.Clock) *SlidingWindow {
	if clk == nil {
		clk = clock.New()
	}
	return &SlidingWindow{
		period:  period,
		limit:   limit,
		clock:   clk,
		windows: make(map[market.Address]*window),
	}
}

// Request reserves one listing for seller and returns if it was granted.
func (sw *SlidingWindow) Request(seller market.Address) bool {
	now := sw.clock.Now()
	sw.mu.Lock()
	defer sw.mu.Unlock()
	w, ok := sw.windows[seller]
	if !ok {
		w = &window{}
		sw.windows[seller] = w
	}
	i := 0
	for ; i < len(w.committed); i++ {
		if now.Sub(w.committed[i]) <= sw.period {
			break
		}
	}
	w.committed = w.committed[i:]
	if w.usage()+1 > sw.limit {
		sw.dropIfIdle(seller, w)
		return false
	}
	w.pending++
	return true
}

// Commit turns a granted request into a listing counted for the period.
func (sw *SlidingWindow) Commit(seller market.Address) {
	now := sw.clock.Now()
	sw.mu.Lock()
	defer sw.mu.Unlock()
	w := sw.mustPending(seller)
	w.pending--
	w.committed = append(w.committed, now)
}

// Withdraw gives a granted request back.
func (sw *SlidingWindow) Withdraw(seller market.Address) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	w := sw.mustPending(seller)
	w.pending--
	sw.dropIfIdle(seller, w)
}

func (sw *SlidingWindow) mustPending(seller market.Address) *window {
	w, ok := sw.windows[seller]
	if !ok || w.pending == 0 {
		panic("no pending request for " + seller.String() + ". are you settling a request more than once?")
	}
	return w
}

func (sw *SlidingWindow) dropIfIdle(seller market.Address, w *window) {
	if w.usage() == 0 {
		delete(sw.windows, seller)
	}
}

// Unlimited grants every request.
type Unlimited struct{}

// Request always returns true.
func (Unlimited) Request(market.Address) bool { return true }

// Commit does nothing.
func (Unlimited) Commit(market.Address) {}

// Withdraw does nothing.
func (Unlimited) Withdraw(market.Address) {}
