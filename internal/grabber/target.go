package grabber

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultBaudRates are probed in order when no rate is forced.
var DefaultBaudRates = []int{115200, 256000}

// Target names the port to bind and the bit rates to try on it. It is fixed
// once built; accessors hand out copies.
type Target struct {
	port   string
	rates  []int
	forced bool
}

// NewTarget builds a target from positional arguments: an optional port path
// and an optional forced baud rate. Arguments past the second are ignored.
func NewTarget(args []string) Target {
	t := Target{port: DefaultPort, rates: append([]int(nil), DefaultBaudRates...)}
	if len(args) >= 1 {
		t.port = args[0]
	}
	if len(args) >= 2 {
		t.rates = []int{ParseBaudRate(args[1])}
		t.forced = true
	}
	return t
}

// Port returns the serial port path.
func (t Target) Port() string { return t.port }

// BaudRates returns the rates to try, in order.
func (t Target) BaudRates() []int { return append([]int(nil), t.rates...) }

// Forced reports whether a single rate was given on the command line.
func (t Target) Forced() bool { return t.forced }

func (t Target) String() string {
	rates := make([]string, len(t.rates))
	for i, r := range t.rates {
		rates[i] = strconv.Itoa(r)
	}
	mode := "candidates"
	if t.forced {
		mode = "forced"
	}
	return fmt.Sprintf("%s (%s baud %s)", t.port, mode, strings.Join(rates, "|"))
}

// ParseBaudRate reads a rate the way strtoul(s, NULL, 10) does: leading
// whitespace and an optional plus sign are skipped, then the leading decimal
// digits are used. Input without leading digits yields 0 and out-of-range
// input saturates. The result is not validated; a zero rate fails when the
// port is opened.
func ParseBaudRate(s string) int {
	s = strings.TrimLeft(s, " \t\n\v\f\r")
	s = strings.TrimPrefix(s, "+")

	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}

	v, err := strconv.ParseUint(s[:end], 10, 31)
	if err != nil {
		return math.MaxInt32
	}
	return int(v)
}
