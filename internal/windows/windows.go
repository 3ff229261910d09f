// Package windows enumerates candidate capture windows for the
// --list-windows helper. Enumeration is a narrow capability: the streaming
// core never depends on it, and platforms without a desktop session report
// ErrUnsupported instead of guessing.
package windows

import (
	"bufio"
	"bytes"
	"errors"
	"os/exec"
	"strings"
)

// ErrUnsupported is returned when no window enumeration backend is available.
var ErrUnsupported = errors.New("window enumeration not supported on this platform")

// Window describes one enumerable top-level window.
type Window struct {
	Title string
	Class string
}

// Enumerator lists top-level windows.
type Enumerator interface {
	List() ([]Window, error)
}

// NewEnumerator returns the best enumerator for this host.
func NewEnumerator() Enumerator {
	return wmctrlEnumerator{}
}

// wmctrlEnumerator shells out to wmctrl, present on most X11 desktops.
// Output format: <id> <desktop> <class> <host> <title...> per line with -lx.
type wmctrlEnumerator struct{}

func (wmctrlEnumerator) List() ([]Window, error) {
	path, err := exec.LookPath("wmctrl")
	if err != nil {
		return nil, ErrUnsupported
	}

	out, err := exec.Command(path, "-lx").Output()
	if err != nil {
		return nil, ErrUnsupported
	}

	var windows []Window
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		windows = append(windows, Window{
			Title: strings.Join(fields[4:], " "),
			Class: fields[2],
		})
	}
	return windows, nil
}
