package executor

import (
	"sync"
)

// Progress windows, in percent
const (
	singleDownloadEnd = 95
	multiDownloadEnd  = 70
	storeEnd          = 95
)

// progressTracker maps provider callbacks onto the job's overall progress.
// Values it reports never decrease.
type progressTracker struct {
	mu sync.Mutex

	multi     bool
	items     int // estimated item count, at least 1
	completed int
	raw       float64
	explicit  bool // provider reports item completion itself

	last int
	prev int
	// countDone infers finished items when the provider never reports them
	countDone func() int
}

func newProgressTracker(multi bool, items int, countDone func() int) *progressTracker {
	if items < 1 {
		items = 1
	}
	return &progressTracker{multi: multi, items: items, countDone: countDone}
}

// Estimate updates the item count once provider metadata is known
func (p *progressTracker) Estimate(items int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if items > 0 {
		p.items = items
	}
}

// Download records a raw (current, total) report for the item in flight.
// It returns the new overall progress and true when the integer value changed.
func (p *progressTracker) Download(current, total int64) (int, float64, bool) {
	if total <= 0 {
		return 0, 0, false
	}
	raw := float64(current) / float64(total)
	raw = clamp(raw, 0, 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	// A drop in raw progress marks the start of the next item
	if p.multi && !p.explicit && raw < p.raw {
		p.completed++
		if p.countDone != nil {
			// The newest audio file belongs to the item in flight
			if n := p.countDone() - 1; n > p.completed {
				p.completed = n
			}
		}
	}
	p.raw = raw

	return p.advance(p.downloadValue()), raw, p.changed()
}

// ItemDone records that the provider finished item index of count
func (p *progressTracker) ItemDone(index, count int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.explicit = true
	if count > p.items {
		p.items = count
	}
	if index+1 > p.completed {
		p.completed = index + 1
	}
	p.raw = 0
	return p.advance(p.downloadValue()), p.changed()
}

// FinishDownload forces the end-of-download value
func (p *progressTracker) FinishDownload() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.multi {
		return p.last, false
	}
	return p.advance(multiDownloadEnd), p.changed()
}

// Stored advances progress through the storing window after stored of total files
func (p *progressTracker) Stored(stored, total int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	value := storeEnd
	if p.multi && total > 0 {
		value = multiDownloadEnd + stored*(storeEnd-multiDownloadEnd)/total
	}
	return p.advance(value), p.changed()
}

// Current returns the last reported value
func (p *progressTracker) Current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *progressTracker) downloadValue() int {
	if !p.multi {
		return int(p.raw * singleDownloadEnd)
	}
	value := int((float64(p.completed) + p.raw) * multiDownloadEnd / float64(p.items))
	if value > multiDownloadEnd {
		value = multiDownloadEnd
	}
	return value
}

// advance stores value if it moves progress forward and returns the current value
func (p *progressTracker) advance(value int) int {
	p.prev = p.last
	if value > p.last {
		p.last = value
	}
	return p.last
}

func (p *progressTracker) changed() bool {
	return p.last != p.prev
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
