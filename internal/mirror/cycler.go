package mirror

import (
	"math/rand/v2"

	"github.com/schaermu/mirrord/internal/config"
)

// Cycler walks the manifest one entry at a time. When the cursor reaches the
// end it starts over from a freshly shuffled order, so the scan order cannot
// be inferred from outside.
type Cycler struct {
	order  []config.Entry
	cursor int
	rng    *rand.Rand
}

// NewCycler creates a cycler over a copy of manifest. The cursor starts at
// the end so the first Wrap shuffles.
func NewCycler(manifest []config.Entry, rng *rand.Rand) *Cycler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	order := make([]config.Entry, len(manifest))
	copy(order, manifest)
	return &Cycler{
		order:  order,
		cursor: len(order),
		rng:    rng,
	}
}

// Wrap resets the cursor and reshuffles when a pass is complete. It reports
// whether that happened.
func (c *Cycler) Wrap() bool {
	if c.cursor < len(c.order) {
		return false
	}
	next := make([]config.Entry, len(c.order))
	for i, j := range c.rng.Perm(len(c.order)) {
		next[i] = c.order[j]
	}
	c.order = next
	c.cursor = 0
	return true
}

// Current returns the entry under the cursor. Wrap must have been called
// when a pass completed.
func (c *Cycler) Current() config.Entry {
	return c.order[c.cursor]
}

// Advance moves the cursor to the next entry
func (c *Cycler) Advance() {
	if c.cursor < len(c.order) {
		c.cursor++
	}
}

// Cursor returns the index of the next entry to process
func (c *Cycler) Cursor() int {
	return c.cursor
}

// Len returns the manifest size
func (c *Cycler) Len() int {
	return len(c.order)
}

// Order returns a copy of the current pass order
func (c *Cycler) Order() []config.Entry {
	out := make([]config.Entry, len(c.order))
	copy(out, c.order)
	return out
}

// Names returns the entry names of the current pass order
func (c *Cycler) Names() []string {
	names := make([]string, len(c.order))
	for i, entry := range c.order {
		names[i] = entry.Name
	}
	return names
}
