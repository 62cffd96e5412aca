package recvbuf

import "io"

// Reader buffers a source using buffers sized by an Allocator. One socket read
// fills the buffer; callers drain it through Read or take it whole with Next.
type Reader struct {
	src   io.Reader
	alloc *Allocator
	buf   []byte
	r, w  int
	err   error
}

// NewReader returns a Reader over src. A nil alloc uses the default bounds.
func NewReader(src io.Reader, alloc *Allocator) *Reader {
	if alloc == nil {
		alloc = NewAllocator(Config{})
	}
	return &Reader{src: src, alloc: alloc}
}

// Buffered returns the number of bytes that can be read without touching the
// source.
func (r *Reader) Buffered() int { return r.w - r.r }

// Allocator returns the allocator sizing this reader's buffers.
func (r *Reader) Allocator() *Allocator { return r.alloc }

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.r == r.w {
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
		if r.r == r.w {
			return 0, r.err
		}
	}
	n := copy(p, r.buf[r.r:r.w])
	r.r += n
	return n, nil
}

// Next returns a copy of the buffered bytes, performing one source read first
// if the buffer is empty. The result is owned by the caller.
func (r *Reader) Next() ([]byte, error) {
	for r.r == r.w {
		if r.err != nil {
			return nil, r.err
		}
		r.fill()
	}
	out := make([]byte, r.w-r.r)
	copy(out, r.buf[r.r:r.w])
	r.r = r.w
	return out, nil
}

func (r *Reader) fill() {
	size := r.alloc.Guess()
	if cap(r.buf) < size || cap(r.buf) > 4*size {
		r.buf = make([]byte, size)
	}
	r.buf = r.buf[:size]

	n, err := r.src.Read(r.buf)
	if n < 0 {
		n = 0
	}
	r.alloc.Record(n)
	r.r, r.w = 0, n
	if err != nil {
		r.err = err
	}
}
