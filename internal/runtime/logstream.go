package runtime

import (
	"bufio"
	"io"
)

// maxLogLineBytes caps a single framed log line to prevent an unbounds
// runaway line (e.g. a backend that never emits a newline) from growing
// memory without bound (spec.md §9 "Log streams").
const maxLogLineBytes = 64 * 1024

// StreamLines reads r until EOF or error, framing by newline and invoking
// sink once per non-empty line with the trailing newline stripped (empty
// lines are skipped). Lines longer than
// maxLogLineBytes are truncated, not buffered further. StreamLines is meant
// to run in its own goroutine; it never blocks anything else, and it
// returns as soon as r returns a non-nil error (typically because the pipe
// was closed on termination).
func StreamLines(r io.Reader, sink func(line string)) {
	br := bufio.NewReaderSize(r, 4096)
	for {
		line, err := readCappedLine(br)
		if len(line) > 0 {
			sink(string(line))
		}
		if err != nil {
			return
		}
	}
}

// readCappedLine reads up to the next '\n' (or maxLogLineBytes, whichever
// comes first), discarding the remainder of an oversized line.
func readCappedLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			trimmed := chunk
			if n := len(trimmed); n > 0 && trimmed[n-1] == '\n' {
				trimmed = trimmed[:n-1]
			}
			if len(line) < maxLogLineBytes {
				room := maxLogLineBytes - len(line)
				if len(trimmed) > room {
					trimmed = trimmed[:room]
				}
				line = append(line, trimmed...)
			}
		}
		if err == bufio.ErrBufferFull {
			// No newline yet within the buffer; keep reading the same
			// logical line.
			continue
		}
		if err != nil {
			return line, err
		}
		return line, nil
	}
}
