package exec

import (
	"strings"
	"testing"
)

func TestCappedBufferKeepsShortOutput(t *testing.T) {
	b := newCappedBuffer(64)
	b.Write([]byte("hello "))
	b.Write([]byte("world"))
	if got := string(b.Bytes()); got != "hello world" {
		t.Errorf("Bytes() = %q", got)
	}
}

func TestCappedBufferKeepsHeadAndTail(t *testing.T) {
	b := newCappedBuffer(16)
	for i := 0; i < 1000; i++ {
		b.Write([]byte("0123456789"))
	}
	b.Write([]byte("END!"))

	got := string(b.Bytes())
	if !strings.HasPrefix(got, "01234567") {
		t.Errorf("head lost: %q", got)
	}
	if !strings.HasSuffix(got, "6789END!") {
		t.Errorf("tail lost: %q", got)
	}
	if !strings.Contains(got, "[9988 bytes omitted]") {
		t.Errorf("missing omission marker: %q", got)
	}
	if len(b.tail) > 2*b.tailMax() {
		t.Errorf("tail grew to %d bytes", len(b.tail))
	}
}

func TestCappedBufferReportsFullWrite(t *testing.T) {
	b := newCappedBuffer(4)
	n, err := b.Write([]byte("far more than four bytes"))
	if err != nil || n != 24 {
		t.Errorf("Write() = %d, %v; want 24, nil", n, err)
	}
}
