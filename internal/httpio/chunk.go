package httpio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ChunkEnding terminates a chunked body that has no trailers.
const ChunkEnding = "0\r\n\r\n"

var (
	// ErrBadChunkSize is returned when a chunk size line holds no valid
	// hexadecimal size.
	ErrBadChunkSize = errors.New("httpio: bad chunk size")

	// ErrMissingChunkCRLF is returned when chunk data is not followed by
	// CRLF.
	ErrMissingChunkCRLF = errors.New("httpio: failed to read CRLF after chunk data")
)

// maxChunkSizeDigits keeps the size within an int64.
const maxChunkSizeDigits = 15

type chunkState int

const (
	stateSize chunkState = iota
	stateExtension
	stateData
	stateDataCR
	stateDataLF
	stateTrailer
	stateDone
)

// ChunkDecoder removes chunked transfer coding. It is resumable at every
// byte boundary: input may be split anywhere between Decode calls.
//
// Example:
//
//	dec := httpio.NewChunkDecoder(false, 8192)
//	for !dec.Done() {
//		n, _ := conn.Read(buf)
//		body, used, err := dec.Decode(body[:0], buf[:n])
//		...
//	}
type ChunkDecoder struct {
	strict  bool
	maxLine int

	state  chunkState
	size   int64
	digits int
	left   int64
	line   []byte

	trailer *Header
	total   int64
}

// NewChunkDecoder creates a decoder. In strict mode malformed trailer
// lines are errors; otherwise they are dropped.
func NewChunkDecoder(strict bool, maxLine int) *ChunkDecoder {
	return &ChunkDecoder{strict: strict, maxLine: maxLine, trailer: &Header{}}
}

// Done reports whether the last chunk and its trailers were read.
func (d *ChunkDecoder) Done() bool { return d.state == stateDone }

// Trailer returns the trailer fields read after the last chunk.
func (d *ChunkDecoder) Trailer() *Header { return d.trailer }

// Total returns the number of payload bytes decoded so far.
func (d *ChunkDecoder) Total() int64 { return d.total }

// Decode consumes chunked input from src and appends the payload to dst.
//
// Returns:
//
//	[]byte: dst with the decoded payload appended
//	int: Bytes of src consumed; less than len(src) only once Done, the
//	  rest then belongs to the next message
//	error: ErrBadChunkSize, ErrMissingChunkCRLF, ErrLineTooLong or
//	  ErrMalformedHeader
func (d *ChunkDecoder) Decode(dst, src []byte) ([]byte, int, error) {
	i := 0
	for i < len(src) && d.state != stateDone {
		if d.state == stateData {
			n := int64(len(src) - i)
			if n > d.left {
				n = d.left
			}
			dst = append(dst, src[i:i+int(n)]...)
			i += int(n)
			d.left -= n
			d.total += n
			if d.left == 0 {
				d.state = stateDataCR
			}
			continue
		}

		c := src[i]
		i++
		if err := d.step(c); err != nil {
			return dst, i, err
		}
	}
	return dst, i, nil
}

func (d *ChunkDecoder) step(c byte) error {
	switch d.state {
	case stateSize:
		switch {
		case unhex(c) >= 0:
			if d.digits == maxChunkSizeDigits {
				return fmt.Errorf("%w: too many digits", ErrBadChunkSize)
			}
			d.size = d.size<<4 | int64(unhex(c))
			d.digits++
		case (c == ' ' || c == '\t') && d.digits == 0:
			// leading whitespace
		case c == ';' || c == ' ' || c == '\t':
			if d.digits == 0 {
				return fmt.Errorf("%w: no size before %q", ErrBadChunkSize, c)
			}
			d.state = stateExtension
		case c == '\r':
			// the line ends at \n
		case c == '\n':
			if d.digits == 0 {
				return fmt.Errorf("%w: empty size line", ErrBadChunkSize)
			}
			d.endSizeLine()
		default:
			return fmt.Errorf("%w: unexpected %q", ErrBadChunkSize, c)
		}

	case stateExtension:
		if c == '\n' {
			d.endSizeLine()
		}

	case stateDataCR:
		switch c {
		case '\r':
			d.state = stateDataLF
		case '\n':
			if d.strict {
				return ErrMissingChunkCRLF
			}
			d.state = stateSize
		default:
			return ErrMissingChunkCRLF
		}

	case stateDataLF:
		if c != '\n' {
			return ErrMissingChunkCRLF
		}
		d.state = stateSize

	case stateTrailer:
		if c != '\n' {
			if d.maxLine > 0 && len(d.line) >= d.maxLine {
				return fmt.Errorf("%w: trailer", ErrLineTooLong)
			}
			d.line = append(d.line, c)
			return nil
		}
		return d.endTrailerLine()
	}
	return nil
}

func (d *ChunkDecoder) endSizeLine() {
	d.left = d.size
	d.size, d.digits = 0, 0
	if d.left == 0 {
		d.state = stateTrailer
		return
	}
	d.state = stateData
}

func (d *ChunkDecoder) endTrailerLine() error {
	line := strings.TrimSuffix(string(d.line), "\r")
	d.line = d.line[:0]

	if line == "" {
		d.state = stateDone
		return nil
	}

	name, value, ok := strings.Cut(line, ":")
	if !ok {
		if d.strict {
			return fmt.Errorf("%w: trailer %q", ErrMalformedHeader, line)
		}
		return nil
	}
	d.trailer.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	return nil
}

func unhex(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c && c <= 'f':
		return int(c - 'a' + 10)
	case 'A' <= c && c <= 'F':
		return int(c - 'A' + 10)
	}
	return -1
}

// AppendChunk appends data framed as one chunk to dst. Empty data is not
// framed since a zero-size chunk would end the body.
func AppendChunk(dst, data []byte) []byte {
	if len(data) == 0 {
		return dst
	}
	dst = strconv.AppendInt(dst, int64(len(data)), 16)
	dst = append(dst, '\r', '\n')
	dst = append(dst, data...)
	return append(dst, '\r', '\n')
}

// AppendChunkEnding appends the last chunk followed by trailer fields.
func AppendChunkEnding(dst []byte, trailer *Header) []byte {
	if trailer == nil || trailer.Len() == 0 {
		return append(dst, ChunkEnding...)
	}
	dst = append(dst, "0\r\n"...)
	for _, f := range trailer.fields {
		dst = append(dst, f.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, f.Value...)
		dst = append(dst, '\r', '\n')
	}
	return append(dst, '\r', '\n')
}
