package transport

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOLine is a single muxed line, held exclusively for the duration of an
// update via Acquire's RAII-style guard (spec §5: "GPIO lines are held
// exclusively for the duration of an update via a scoped guard; another
// request for the same line while held fails.").
type GPIOLine struct {
	mu      sync.Mutex
	held    bool
	chip    string
	offset  int
	line    *gpiocdev.Line
}

// NewGPIOLine opens chipName/offset as an output line, requested only when
// first acquired so an unused mux line never holds a kernel handle.
func NewGPIOLine(chipName string, offset int) *GPIOLine {
	return &GPIOLine{chip: chipName, offset: offset}
}

// Acquire drives the line to the requested level and returns a release
// function. A second Acquire while held fails with ErrLineInUse.
func (g *GPIOLine) Acquire(activeHigh bool) (release func() error, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return nil, ErrLineInUse
	}
	level := 0
	if activeHigh {
		level = 1
	}
	l, err := gpiocdev.RequestLine(g.chip, g.offset, gpiocdev.AsOutput(level))
	if err != nil {
		return nil, fmt.Errorf("transport: request gpio %s:%d: %w", g.chip, g.offset, err)
	}
	g.line = l
	g.held = true
	return g.release, nil
}

func (g *GPIOLine) release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return nil
	}
	err := g.line.Close()
	g.line = nil
	g.held = false
	return err
}

// SetLevel drives the line to level (0/1) while held.
func (g *GPIOLine) SetLevel(level int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return fmt.Errorf("transport: gpio %s:%d not held", g.chip, g.offset)
	}
	return g.line.SetValue(level)
}

// ErrLineInUse is returned by Acquire when the line is already held.
var ErrLineInUse = fmt.Errorf("transport: gpio line already in use")
