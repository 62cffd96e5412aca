// Package recvbuf sizes socket read buffers adaptively.
//
// The allocator grows its guess quickly when reads fill the buffer and shrinks
// it only after two consecutive small reads, so a burst does not leave every
// idle connection holding a large buffer.
package recvbuf

import "sort"

const (
	indexIncrement = 4
	indexDecrement = 1
)

// Default allocator bounds.
const (
	DefaultMinimum = 64
	DefaultInitial = 2048
	DefaultMaximum = 65536
)

var sizeTable = buildSizeTable()

func buildSizeTable() []int {
	var sizes []int
	for i := 16; i < 512; i += 16 {
		sizes = append(sizes, i)
	}
	for i := 512; i > 0 && i <= 1<<30; i <<= 1 {
		sizes = append(sizes, i)
	}
	return sizes
}

// sizeIndex returns the index of the smallest table entry >= size.
func sizeIndex(size int) int {
	i := sort.SearchInts(sizeTable, size)
	if i >= len(sizeTable) {
		return len(sizeTable) - 1
	}
	return i
}

// Config bounds the adaptive allocator.
type Config struct {
	Minimum int
	Initial int
	Maximum int
}

// Normalize fills zero values with defaults and orders the bounds.
func (c Config) Normalize() Config {
	if c.Minimum <= 0 {
		c.Minimum = DefaultMinimum
	}
	if c.Maximum <= 0 {
		c.Maximum = DefaultMaximum
	}
	if c.Maximum < c.Minimum {
		c.Maximum = c.Minimum
	}
	if c.Initial <= 0 {
		c.Initial = DefaultInitial
	}
	if c.Initial < c.Minimum {
		c.Initial = c.Minimum
	}
	if c.Initial > c.Maximum {
		c.Initial = c.Maximum
	}
	return c
}

// Allocator guesses the next receive buffer size from recent read sizes. It is
// not safe for concurrent use; each reader goroutine owns one.
type Allocator struct {
	minIndex    int
	maxIndex    int
	index       int
	next        int
	decreaseNow bool
}

// NewAllocator returns an allocator for cfg.
func NewAllocator(cfg Config) *Allocator {
	cfg = cfg.Normalize()
	a := &Allocator{
		minIndex: sizeIndex(cfg.Minimum),
		maxIndex: sizeIndex(cfg.Maximum),
		index:    sizeIndex(cfg.Initial),
	}
	if sizeTable[a.maxIndex] > cfg.Maximum && a.maxIndex > a.minIndex {
		a.maxIndex--
	}
	if a.index > a.maxIndex {
		a.index = a.maxIndex
	}
	a.next = sizeTable[a.index]
	return a
}

// Guess returns the buffer size to use for the next read.
func (a *Allocator) Guess() int { return a.next }

// Record feeds back the number of bytes the last read returned.
func (a *Allocator) Record(actual int) {
	if actual <= sizeTable[max(0, a.index-indexDecrement)] {
		if a.decreaseNow {
			a.index = max(a.index-indexDecrement, a.minIndex)
			a.next = sizeTable[a.index]
			a.decreaseNow = false
		} else {
			a.decreaseNow = true
		}
		return
	}
	if actual >= a.next {
		a.index = min(a.index+indexIncrement, a.maxIndex)
		a.next = sizeTable[a.index]
		a.decreaseNow = false
	}
}
