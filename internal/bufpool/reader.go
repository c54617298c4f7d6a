package bufpool

import (
	"errors"
	"fmt"
	"io"
)

const minReadBuffer = 1024

// ReadAll drains r into a byte slice using pooled chunks. sizeHint should be
// the expected content length, or <= 0 when unknown. The returned slice is
// freshly allocated; every pooled buffer is returned before ReadAll exits.
func ReadAll(r io.Reader, sizeHint int64, pool *Pool) ([]byte, error) {
	hint := int(sizeHint)
	if hint < minReadBuffer {
		hint = minReadBuffer
	}

	buf := pool.Get(hint)
	defer pool.Put(buf)

	out := make([]byte, 0, hint)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	}
}
