package output

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/pterm/pterm"
)

// ProgressManager draws one progress bar per replication link inside a
// shared pterm multi printer area. A nil manager is valid and draws nothing.
type ProgressManager struct {
	multi   *pterm.MultiPrinter
	bars    map[int]*pterm.ProgressbarPrinter
	started bool
	mu      sync.Mutex
}

func NewProgressManager() *ProgressManager {
	mp := pterm.DefaultMultiPrinter
	return &ProgressManager{
		multi: &mp,
		bars:  make(map[int]*pterm.ProgressbarPrinter),
	}
}

// WithWriter redirects the bars away from the terminal.
func (m *ProgressManager) WithWriter(w io.Writer) *ProgressManager {
	m.multi = m.multi.WithWriter(w)
	return m
}

func (m *ProgressManager) Start() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if _, err := m.multi.Start(); err != nil {
		return err
	}
	m.started = true
	return nil
}

func (m *ProgressManager) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	started := m.started
	m.started = false
	bars := m.bars
	m.bars = make(map[int]*pterm.ProgressbarPrinter)
	m.mu.Unlock()

	for _, bar := range bars {
		_, _ = bar.Stop()
	}
	if started {
		_, _ = m.multi.Stop()
	}
}

// WrapReader advances the bar of link by every byte read through r. Links
// read concurrently and may share a label, so bars are keyed by link index.
func (m *ProgressManager) WrapReader(link int, label string, total uint64, r io.Reader) io.Reader {
	bar := m.bar(link, label, total)
	if bar == nil || r == nil {
		return r
	}
	return &countingReader{reader: r, bar: bar}
}

func (m *ProgressManager) bar(link int, label string, total uint64) *pterm.ProgressbarPrinter {
	if m == nil {
		return nil
	}
	title := strings.TrimSpace(label)
	if title == "" {
		title = "link"
	}
	title = fmt.Sprintf("#%d %s", link+1, title)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	if bar, ok := m.bars[link]; ok {
		return bar
	}
	bar, err := pterm.DefaultProgressbar.
		WithWriter(m.multi.NewWriter()).
		WithTitle(title).
		WithTotal(clampToInt(total)).
		WithShowElapsedTime(true).
		WithShowCount(false).
		Start()
	if err != nil {
		return nil
	}
	m.bars[link] = bar
	return bar
}

func clampToInt(v uint64) int {
	if v == 0 {
		return 1
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}

type countingReader struct {
	reader io.Reader
	bar    *pterm.ProgressbarPrinter
	mu     sync.Mutex
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.reader.Read(p)
	if n > 0 {
		cr.mu.Lock()
		cr.bar.Add(n)
		cr.mu.Unlock()
	}
	return n, err
}
