package gpsd

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLine bounds one protocol line. gpsd's largest reports (SKY
// with a full constellation) sit well below this.
const DefaultMaxLine = 128 * 1024

var replacementChar = []byte("�")

// LineReader splits a byte stream into newline-terminated lines. Reads may
// split anywhere, including inside a multi-byte character; only complete
// lines are returned.
type LineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxLine
	}
	return &LineReader{r: bufio.NewReader(r), max: max}
}

// Next returns the next line without its terminator (a trailing "\r" is
// dropped too). Invalid UTF-8 is replaced, never rejected.
//
// ErrLineTooLong means one oversized line was skipped and the reader is
// positioned at the following line. Any error wrapping ErrConnectionClosed
// is final; an unterminated tail at end of stream is discarded.
func (lr *LineReader) Next() ([]byte, error) {
	lr.buf = lr.buf[:0]
	overflow := false
	for {
		chunk, err := lr.r.ReadSlice('\n')
		if !overflow {
			if len(lr.buf)+len(chunk) > lr.max+1 {
				overflow = true
				lr.buf = lr.buf[:0]
			} else {
				lr.buf = append(lr.buf, chunk...)
			}
		}
		switch {
		case err == nil:
			if overflow {
				return nil, ErrLineTooLong
			}
			line := bytes.TrimSuffix(lr.buf, []byte("\n"))
			line = bytes.TrimSuffix(line, []byte("\r"))
			return bytes.ToValidUTF8(line, replacementChar), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(lr.buf) > 0 || overflow {
				return nil, fmt.Errorf("%w: discarded %d unterminated bytes", ErrConnectionClosed, len(lr.buf))
			}
			return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		default:
			return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
	}
}
