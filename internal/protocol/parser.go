package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Frame constants.
const (
	// LineTerminator ends every message in both directions.
	LineTerminator = '\n'

	// MaxLineSize bounds a single frame. Query results with full bodies can
	// be large, so the limit is generous.
	MaxLineSize = 256 << 20
)

var (
	// ErrConnectionClosed is returned when the peer closes the stream or an
	// I/O error makes it unusable. It is distinct from backend command errors.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLineTooLong is returned when a frame exceeds MaxLineSize.
	ErrLineTooLong = errors.New("frame exceeds maximum size")
)

// Parser reads newline-terminated frames.
// A partial frame is buffered across reads; a frame is returned only once its
// terminator has arrived, and whatever follows stays buffered for the next
// call.
type Parser struct {
	reader *bufio.Reader
}

// NewParser creates a new frame parser.
func NewParser(r io.Reader) *Parser {
	return &Parser{
		reader: bufio.NewReaderSize(r, 64<<10),
	}
}

// ReadLine blocks until a complete frame is available and returns it without
// the terminator. Empty lines are skipped. Any read failure, including EOF
// before a single byte arrived, is reported as ErrConnectionClosed.
func (p *Parser) ReadLine() ([]byte, error) {
	for {
		line, err := p.readUntilTerminator()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

// readUntilTerminator reads one frame. The terminator is consumed but not
// returned.
func (p *Parser) readUntilTerminator() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := p.reader.ReadSlice(LineTerminator)
		if len(buf)+len(chunk) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return buf[:len(buf)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return nil, ErrConnectionClosed
		default:
			return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
	}
}

// Writer writes newline-terminated frames. It is safe for concurrent use;
// each frame is written with a single call so frames never interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a new frame writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteLine writes b followed by the terminator. b must not contain a newline.
func (w *Writer) WriteLine(b []byte) error {
	if bytes.IndexByte(b, LineTerminator) >= 0 {
		return errors.New("frame contains a line terminator")
	}
	frame := make([]byte, 0, len(b)+1)
	frame = append(frame, b...)
	frame = append(frame, LineTerminator)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}
