// Package sink holds the destinations a sweep is written to each cycle: the
// console mirror, the latest-sweep CSV file, a PNG plot, and a fan-out over
// several of them.
package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/csrubin/buckeyeville-lidar/internal/grabber"
)

const (
	consoleLineFormat = "Angle: %03.2f, Dist: %08.2f, Quality: %d \n"
	csvLineFormat     = "%03.2f, %08.2f, %d \n"
)

// writeLines formats every sample of sw with format and flushes once.
func writeLines(w io.Writer, format string, sw grabber.Sweep) error {
	bw := bufio.NewWriter(w)
	for _, s := range sw.Samples {
		if _, err := fmt.Fprintf(bw, format, s.Angle, s.Distance, s.Quality); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Console mirrors each sweep to a writer, usually stdout.
type Console struct {
	w io.Writer
}

// NewConsole returns a sink writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// WriteSweep prints one line per sample.
func (c *Console) WriteSweep(_ context.Context, sw grabber.Sweep) error {
	if err := writeLines(c.w, consoleLineFormat, sw); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}

// Multi writes each sweep to every sink in order. One sink failing does not
// keep the others from being written; the failures are returned joined.
type Multi struct {
	sinks []grabber.Sink
}

// NewMulti builds a fan-out, skipping nil sinks.
func NewMulti(sinks ...grabber.Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// WriteSweep writes sw to every sink.
func (m *Multi) WriteSweep(ctx context.Context, sw grabber.Sweep) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.WriteSweep(ctx, sw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
