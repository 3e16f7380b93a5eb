package output

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jgoldverg/udprep/pkg/replication"
	"github.com/pterm/pterm"
)

// Printer renders structured CLI messages without going through the logger.
type Printer struct {
	mu sync.Mutex
}

func NewPrinter() *Printer {
	return &Printer{}
}

func (p *Printer) Info(msg string, fields map[string]any) {
	p.printWith(pterm.Info, msg, fields)
}

func (p *Printer) Success(msg string, fields map[string]any) {
	p.printWith(pterm.Success, msg, fields)
}

func (p *Printer) Error(msg string, fields map[string]any) {
	p.printWith(pterm.Error, msg, fields)
}

func (p *Printer) printWith(prefix pterm.PrefixPrinter, msg string, fields map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prefix.Println(msg)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pterm.Printf("  %s: %v\n", k, fields[k])
	}
}

// PrintReplicationReport renders one row per link, in target order.
func PrintReplicationReport(report replication.Report) error {
	if len(report.Outcomes) == 0 {
		return nil
	}
	data := pterm.TableData{{"Target", "Status", "Sent", "Retransmits", "RTT", "Elapsed", "Error"}}
	for _, o := range report.Outcomes {
		status := pterm.Green("ok")
		errText := ""
		if !o.OK() {
			status = pterm.Red("failed")
			errText = o.Err.Error()
		}
		data = append(data, []string{
			o.Target.String(),
			status,
			HumanizeSize(o.Stats.SourceBytes),
			fmt.Sprintf("%d", o.Stats.Retransmissions),
			formatMillis(o.Stats.RttMs),
			formatDuration(o.Elapsed.Round(time.Millisecond)),
			errText,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}

	summary := fmt.Sprintf("%d/%d replicas written", report.Succeeded(), len(report.Outcomes))
	if report.Succeeded() == len(report.Outcomes) {
		pterm.Success.Println(summary)
	} else {
		pterm.Warning.Println(summary)
	}
	return nil
}

func HumanizeSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
