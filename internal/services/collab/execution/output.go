package execution

import (
	"fmt"
	"strings"
)

// outputBuffer captures printed text up to a byte cap. Writes past the cap
// keep what fits and mark the buffer exceeded.
type outputBuffer struct {
	max      int
	buf      strings.Builder
	exceeded bool
}

func newOutputBuffer(max int) *outputBuffer {
	return &outputBuffer{max: max}
}

func (b *outputBuffer) writeLine(line string) error {
	return b.write(line + "\n")
}

func (b *outputBuffer) write(text string) error {
	if b.exceeded {
		return b.err()
	}
	remaining := b.max - b.buf.Len()
	if len(text) > remaining {
		b.buf.WriteString(truncateUTF8(text, remaining))
		b.exceeded = true
		return b.err()
	}
	b.buf.WriteString(text)
	return nil
}

func (b *outputBuffer) err() error {
	return resourceExceeded(fmt.Sprintf("output exceeded %d bytes", b.max))
}

func (b *outputBuffer) String() string {
	return b.buf.String()
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
