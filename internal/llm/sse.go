package llm

import (
	"bufio"
	"bytes"
	"io"
)

// maxEventSize is the initial reader buffer size.
const maxEventSize = 64 * 1024

type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReaderSize(r, maxEventSize)}
}

// next returns the data of the next event, joining multi-line data fields.
// It returns io.EOF once the stream is exhausted.
func (s *sseReader) next() ([]byte, error) {
	var lines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && !(err == io.EOF && len(line) > 0) {
			if err == io.EOF && len(lines) > 0 {
				return bytes.Join(lines, []byte("\n")), nil
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(lines) > 0 {
				return bytes.Join(lines, []byte("\n")), nil
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			continue
		}

		// Comments, event names, ids and retry hints are not used by completion streams.
		if bytes.HasPrefix(line, []byte("data:")) {
			lines = append(lines, bytes.TrimSpace(line[5:]))
		}

		if err == io.EOF {
			if len(lines) > 0 {
				return bytes.Join(lines, []byte("\n")), nil
			}
			return nil, io.EOF
		}
	}
}
