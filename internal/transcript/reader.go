package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/asheshgoplani/topicdeck/internal/logging"
)

var transcriptLog = logging.ForComponent(logging.CompTranscript)

// ReadNew decodes every complete line of path starting at offset and returns
// the entries plus the offset just past the last complete line. A trailing
// line without a newline is left for the next call: the agent may still be
// writing it.
func ReadNew(path string, offset int64) ([]Entry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, offset, fmt.Errorf("seek %s: %w", path, err)
		}
	}
	return ReadFrom(f, offset)
}

// ReadFrom is ReadNew over an arbitrary reader already positioned at offset.
func ReadFrom(r io.Reader, offset int64) ([]Entry, int64, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var entries []Entry
	pos := offset

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			pos += int64(len(line))
			if e, ok := decodeLine(line, pos); ok {
				entries = append(entries, e)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return entries, pos, nil
			}
			return entries, pos, err
		}
	}
}

func decodeLine(line []byte, end int64) (Entry, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		transcriptLog.Debug("transcript_line_skipped",
			slog.Int64("end_offset", end),
			slog.String("error", err.Error()))
		logging.Aggregate(logging.CompTranscript, "malformed_line")
		return Entry{}, false
	}
	e.EndOffset = end
	return e, true
}

// ParseNewEntries reads from offset and parses the entries against st.
// It is the one-call form used by the monitor: events, the new offset and
// the updated parser state.
func ParseNewEntries(path string, offset int64, st State) ([]Event, int64, State, error) {
	entries, next, err := ReadNew(path, offset)
	if err != nil {
		return nil, offset, st, err
	}
	events, out := Parse(entries, st)
	return events, next, out, nil
}
