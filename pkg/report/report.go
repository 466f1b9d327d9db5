// Package report renders ledger usage and extension outcomes for people
// and for scripts.
//
// Text views follow the layout operators already know from the batch
// system's submit hosts; the list view is indented JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
)

// TimeLayout renders expiry instants.
const TimeLayout = "2006-01-02 15:04:05"

// NoExpiry is printed when an owner has no active records.
const NoExpiry = "None"

var (
	failColor = color.New(color.FgRed)
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
)

// WriteError is returned when rendered output cannot be written.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("report %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func formatExpiry(t time.Time, ok bool) string {
	if !ok || t.IsZero() {
		return NoExpiry
	}
	return t.Local().Format(TimeLayout)
}

// encodeJSON renders v with four-space indentation and a trailing newline.
func encodeJSON(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return nil, &WriteError{Op: "marshal", Err: err}
	}
	return append(b, '\n'), nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// printer accumulates the first write error so views read top to bottom.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	if err := writeAll(p.w, []byte(fmt.Sprintf(format, args...))); err != nil {
		p.err = &WriteError{Op: "write", Err: err}
	}
}
