// Package bufpool provides a recycling pool of byte buffers used while
// assembling response bodies. Buffers are handed out by size and discarded
// in least-recently-returned order once the pool exceeds its size limit.
package bufpool

import (
	"sort"
	"sync"
)

// Pool keeps returned buffers in two orders: by length, maintained with a
// binary-search insertion so Get can take the first sufficient buffer, and
// by time of return, so trimming discards the stalest buffers first. Both
// views always contain the same set.
type Pool struct {
	mu sync.Mutex

	bySize    [][]byte
	byLastUse [][]byte
	total     int
	sizeLimit int
}

// New creates a pool that retains at most sizeLimit bytes.
func New(sizeLimit int) *Pool {
	return &Pool{sizeLimit: sizeLimit}
}

// Get returns a buffer of at least n bytes. A pooled buffer is reused when
// one is large enough; otherwise a fresh buffer of exactly n bytes is
// allocated. Contents are not zeroed.
func (p *Pool) Get(n int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, buf := range p.bySize {
		if len(buf) >= n {
			p.total -= len(buf)
			p.bySize = append(p.bySize[:i], p.bySize[i+1:]...)
			p.removeLastUse(buf)
			return buf
		}
	}
	return make([]byte, n)
}

// Put returns a buffer to the pool. Foreign buffers are accepted; nil
// buffers and buffers larger than the pool's limit are dropped.
func (p *Pool) Put(buf []byte) {
	if len(buf) == 0 || len(buf) > p.sizeLimit {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.byLastUse = append(p.byLastUse, buf)
	pos := sort.Search(len(p.bySize), func(i int) bool {
		return len(p.bySize[i]) >= len(buf)
	})
	p.bySize = append(p.bySize, nil)
	copy(p.bySize[pos+1:], p.bySize[pos:])
	p.bySize[pos] = buf
	p.total += len(buf)

	p.trim()
}

// Size reports the total bytes currently pooled.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func (p *Pool) trim() {
	for p.total > p.sizeLimit {
		buf := p.byLastUse[0]
		p.byLastUse = p.byLastUse[1:]
		p.removeBySize(buf)
		p.total -= len(buf)
	}
}

func (p *Pool) removeBySize(buf []byte) {
	for i := range p.bySize {
		if &p.bySize[i][0] == &buf[0] {
			p.bySize = append(p.bySize[:i], p.bySize[i+1:]...)
			return
		}
	}
}

func (p *Pool) removeLastUse(buf []byte) {
	for i := range p.byLastUse {
		if &p.byLastUse[i][0] == &buf[0] {
			p.byLastUse = append(p.byLastUse[:i], p.byLastUse[i+1:]...)
			return
		}
	}
}
