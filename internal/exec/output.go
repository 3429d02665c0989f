package exec

import (
	"fmt"
	"sync"
)

// MaxOutputBytes bounds the output kept per command. The first half and the
// last half of the stream are kept; the middle is dropped.
const MaxOutputBytes = 1 << 20

// cappedBuffer collects stdout and stderr from both copiers, keeping at most
// limit bytes.
type cappedBuffer struct {
	mu    sync.Mutex
	limit int
	head  []byte
	tail  []byte
	total int64
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) headMax() int { return b.limit / 2 }

func (b *cappedBuffer) tailMax() int { return b.limit - b.headMax() }

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	b.total += int64(n)
	if room := b.headMax() - len(b.head); room > 0 {
		k := min(room, len(p))
		b.head = append(b.head, p[:k]...)
		p = p[k:]
	}
	if len(p) == 0 {
		return n, nil
	}
	b.tail = append(b.tail, p...)
	// Compact once the tail has doubled.
	if keep := b.tailMax(); len(b.tail) > 2*keep {
		b.tail = append([]byte(nil), b.tail[len(b.tail)-keep:]...)
	}
	return n, nil
}

// Bytes returns the kept output, with a marker where bytes were dropped.
func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := b.tail
	if keep := b.tailMax(); len(tail) > keep {
		tail = tail[len(tail)-keep:]
	}
	out := make([]byte, 0, len(b.head)+len(tail)+48)
	out = append(out, b.head...)
	if omitted := b.total - int64(len(b.head)+len(tail)); omitted > 0 {
		out = append(out, fmt.Sprintf("\n... [%d bytes omitted] ...\n", omitted)...)
	}
	return append(out, tail...)
}
