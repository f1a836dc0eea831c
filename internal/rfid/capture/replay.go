package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidReplay = errors.New("capture: invalid replay line")

// ReadReplay parses a capture file: one "<offset_us> <0|1>" pair per line,
// blank lines and '#' comments ignored. Offsets must not decrease.
func ReadReplay(r io.Reader) ([]Edge, error) {
	var (
		out  []Edge
		prev time.Duration
		line int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: line %d: %q", ErrInvalidReplay, line, text)
		}
		us, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || us < 0 {
			return nil, fmt.Errorf("%w: line %d: offset %q", ErrInvalidReplay, line, fields[0])
		}
		var level bool
		switch fields[1] {
		case "0":
		case "1":
			level = true
		default:
			return nil, fmt.Errorf("%w: line %d: level %q", ErrInvalidReplay, line, fields[1])
		}
		at := time.Duration(us) * time.Microsecond
		if at < prev {
			return nil, fmt.Errorf("%w: line %d: offset goes backwards", ErrInvalidReplay, line)
		}
		prev = at
		out = append(out, Edge{At: at, Level: level})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteReplay writes edges in the format read by ReadReplay.
func WriteReplay(w io.Writer, edges []Edge) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, "# offset_us level"); err != nil {
		return err
	}
	for _, e := range edges {
		level := 0
		if e.Level {
			level = 1
		}
		if _, err := fmt.Fprintf(bw, "%d %d\n", e.At.Microseconds(), level); err != nil {
			return err
		}
	}
	return bw.Flush()
}
