package output

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jgoldverg/udprep/pkg/metrics"
	"github.com/pterm/pterm"
)

// MetricsDisplay redraws a sender link's counters while it runs and prints
// the final numbers when stopped.
type MetricsDisplay struct {
	title     string
	collector *metrics.TransferCollector
	interval  time.Duration

	mu     sync.Mutex
	area   *pterm.AreaPrinter
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMetricsDisplay(title string, collector *metrics.TransferCollector) *MetricsDisplay {
	if strings.TrimSpace(title) == "" {
		title = "Link Metrics"
	}
	return &MetricsDisplay{
		title:     title,
		collector: collector,
		interval:  500 * time.Millisecond,
	}
}

// Start begins redrawing. No-op when collector is nil.
func (d *MetricsDisplay) Start(ctx context.Context) error {
	if d == nil || d.collector == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}

	area, err := pterm.DefaultArea.WithRemoveWhenDone(true).Start()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	d.area = area
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(ctx, area, d.done)
	return nil
}

func (d *MetricsDisplay) loop(ctx context.Context, area *pterm.AreaPrinter, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	area.Update(d.renderContent(d.collector.Snapshot()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			area.Update(d.renderContent(d.collector.Snapshot()))
		}
	}
}

// Stop clears the live board and prints a final snapshot.
func (d *MetricsDisplay) Stop() {
	if d == nil {
		return
	}
	d.mu.Lock()
	cancel, done, area := d.cancel, d.done, d.area
	d.cancel, d.done, d.area = nil, nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		_ = area.Stop()
	}
	d.printFinal()
}

func (d *MetricsDisplay) renderContent(snap metrics.TransferSnapshot) string {
	header := pterm.DefaultHeader.
		WithBackgroundStyle(pterm.NewStyle(pterm.BgBlue)).
		WithTextStyle(pterm.NewStyle(pterm.FgLightWhite, pterm.Bold)).
		WithFullWidth().
		Sprint(d.title)
	return fmt.Sprintf("%s\n%s\nElapsed: %s", header, d.tableString(snap), formatDuration(snap.Elapsed))
}

func (d *MetricsDisplay) tableString(snap metrics.TransferSnapshot) string {
	data := pterm.TableData{
		{"Metric", "Value"},
		{"Throughput", formatMbps(snap.ThroughputBps * 8 / 1e6)},
		{"Goodput", formatMbps(snap.GoodputMbps)},
		{"Goodput Efficiency", formatPercent(ratioOrZero(snap.GoodputBps, snap.ThroughputBps))},
		{"RTT", formatMillis(snap.RttMs)},
		{"Jitter", formatMillis(snap.JitterMs)},
		{"Packets Sent", fmt.Sprintf("%d", snap.PacketsSent)},
		{"ACKs Received", fmt.Sprintf("%d", snap.AcksReceived)},
		{"Timeouts", fmt.Sprintf("%d", snap.Timeouts)},
		{"Retransmissions", fmt.Sprintf("%d (%s)", snap.Retransmissions, formatPercent(snap.RetransmitRate))},
		{"Retransmitted Bytes", formatBytes(snap.BytesRetransmit)},
		{"Bytes Sent", formatBytes(snap.BytesSent)},
		{"Source Read", formatBytes(snap.SourceBytes)},
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return ""
	}
	return table
}

func (d *MetricsDisplay) printFinal() {
	if d.collector == nil {
		return
	}
	snap := d.collector.Snapshot()
	if snap.PacketsSent == 0 {
		return
	}
	table := d.tableString(snap)
	pterm.Println()
	pterm.DefaultSection.Println(d.title)
	fmt.Println(table)
	fmt.Printf("Elapsed: %s\n", formatDuration(snap.Elapsed))
}

func formatMbps(mbps float64) string {
	if mbps <= 0 {
		return "--"
	}
	return fmt.Sprintf("%.2f Mb/s", mbps)
}

func formatMillis(ms float64) string {
	if ms <= 0 {
		return "--"
	}
	return fmt.Sprintf("%.2f ms", ms)
}

func formatBytes(b uint64) string {
	const kb = 1024
	const mb = kb * 1024
	const gb = mb * 1024
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	case b > 0:
		return fmt.Sprintf("%d B", b)
	default:
		return "0 B"
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	if d < time.Second {
		return fmt.Sprintf("%d ms", d.Milliseconds())
	}
	rounded := d.Truncate(100 * time.Millisecond)
	return rounded.String()
}

func formatPercent(ratio float64) string {
	if ratio <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", ratio*100)
}

func ratioOrZero(num, denom float64) float64 {
	if denom <= 0 {
		return 0
	}
	return num / denom
}
