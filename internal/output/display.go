// Package output renders the terminal UI: styled one-line helpers for the
// CLI plus a live multi-download progress display driven by scheduler
// events.
package output

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"github.com/saltflake/modfetch/internal/scheduler"
	"github.com/saltflake/modfetch/internal/utils"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("37"))            // dark green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))             // red
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))            // yellow
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))            // blue
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))            // cyan
	debugStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))           // light grey
	streamStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))           // grey
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")) // purple

	basePadding = 2
)

var StyleSymbols = map[string]string{
	"pass":    "✓",
	"fail":    "✗",
	"warning": "!",
	"pending": "◉",
	"arrow":   "→",
	"bullet":  "•",
	"hline":   "━",
}

func PrintSuccess(text string) {
	fmt.Println(successStyle.Render(text))
}
func PrintError(text string) {
	fmt.Println(errorStyle.Render(text))
}
func PrintWarning(text string) {
	fmt.Println(warningStyle.Render(text))
}
func PrintInfo(text string) {
	fmt.Println(infoStyle.Render(text))
}
func PrintDetail(text string) {
	fmt.Println(debugStyle.Render(text))
}
func PrintHeader(text string) {
	fmt.Println(headerStyle.Render(text))
}

func GetTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

func ProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		// Unknown size, show activity without a percentage
		return debugStyle.Render(fmt.Sprintf("%s%s%s %s ",
			StyleSymbols["bullet"], strings.Repeat(StyleSymbols["hline"], width),
			StyleSymbols["bullet"], utils.FormatBytes(uint64(max(current, 0)))))
	}
	percent := float64(current) / float64(total)
	filled := min(int(percent*float64(width)), width)
	bar := StyleSymbols["bullet"]
	bar += strings.Repeat(StyleSymbols["hline"], filled)
	if filled < width {
		bar += strings.Repeat(" ", width-filled)
	}
	bar += StyleSymbols["bullet"]
	return debugStyle.Render(fmt.Sprintf("%s %.1f%%", bar, percent*100))
}

type rowState int

const (
	rowActive rowState = iota
	rowFinished
	rowFailed
	rowInterrupted
	rowRemoved
)

type row struct {
	id       string
	name     string
	state    rowState
	received int64
	total    int64
	speed    float64
	workers  int
	err      error
	started  time.Time
	ended    time.Time
	index    int
}

// Display renders one line per download, redrawn in place. Update is fed
// from the scheduler's event channel; rendering runs on its own ticker so
// a quiet engine still shows elapsed time moving.
type Display struct {
	mu       sync.Mutex
	rows     map[string]*row
	order    int
	numLines int
	tick     time.Duration
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

func NewDisplay() *Display {
	return &Display{
		rows:   make(map[string]*row),
		tick:   200 * time.Millisecond,
		doneCh: make(chan struct{}),
	}
}

// Track registers a download before its first event so the order of rows
// matches submission order.
func (d *Display) Track(id, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order++
	d.rows[id] = &row{id: id, name: name, total: -1, started: time.Now(), index: d.order}
}

func (d *Display) Update(ev scheduler.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rows[ev.ID]
	if !ok {
		d.order++
		r = &row{id: ev.ID, total: -1, started: time.Now(), index: d.order}
		d.rows[ev.ID] = r
	}
	if ev.LocalPath != "" {
		r.name = ev.LocalPath
	}
	r.received = ev.Received
	r.total = ev.Total
	r.speed = ev.Speed
	r.workers = 0
	for _, s := range ev.ChunkSpeeds {
		if s > 0 {
			r.workers++
		}
	}
	switch ev.Type {
	case scheduler.EventFinished:
		r.state = rowFinished
		r.ended = time.Now()
	case scheduler.EventFailed:
		r.state = rowFailed
		r.err = ev.Err
		r.ended = time.Now()
	case scheduler.EventInterrupted:
		r.state = rowInterrupted
	case scheduler.EventRemoved:
		r.state = rowRemoved
		r.ended = time.Now()
	}
}

func (d *Display) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.render()
			case <-d.doneCh:
				d.render()
				return
			}
		}
	}()
}

func (d *Display) Stop() {
	close(d.doneCh)
	d.wg.Wait()
	d.Summary()
}

func (d *Display) sorted() []*row {
	rows := make([]*row, 0, len(d.rows))
	for _, r := range d.rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].index < rows[j].index
	})
	return rows
}

func (d *Display) indicator(r *row) string {
	switch r.state {
	case rowFinished:
		return successStyle.Render(StyleSymbols["pass"])
	case rowFailed:
		return errorStyle.Render(StyleSymbols["fail"])
	case rowInterrupted:
		return warningStyle.Render(StyleSymbols["warning"])
	case rowRemoved:
		return debugStyle.Render(StyleSymbols["fail"])
	default:
		return pendingStyle.Render(StyleSymbols["pending"])
	}
}

func (d *Display) render() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.numLines > 0 {
		fmt.Printf("\033[%dA\033[J", d.numLines)
	}
	pad := strings.Repeat(" ", basePadding)
	// Names can be full URLs; keep each row on one terminal line so the
	// in-place redraw arithmetic stays valid.
	maxName := max(GetTerminalWidth()/2, 20)
	lineCount := 0
	for _, r := range d.sorted() {
		name := r.name
		if name == "" {
			name = r.id
		}
		if len(name) > maxName {
			name = "…" + name[len(name)-maxName:]
		}
		var detail string
		switch r.state {
		case rowFinished:
			detail = successStyle.Render(fmt.Sprintf("%s in %s",
				utils.FormatBytes(uint64(max(r.received, 0))), r.ended.Sub(r.started).Round(time.Second)))
		case rowFailed:
			detail = errorStyle.Render(fmt.Sprintf("failed: %v", r.err))
		case rowInterrupted:
			detail = warningStyle.Render(fmt.Sprintf("interrupted at %s", utils.FormatBytes(uint64(max(r.received, 0)))))
		case rowRemoved:
			detail = debugStyle.Render("removed")
		default:
			detail = fmt.Sprintf("%s %s", ProgressBar(r.received, r.total, 30),
				streamStyle.Render(fmt.Sprintf("%s/s %s %d conns",
					utils.FormatBytes(uint64(max(int64(r.speed), 0))), StyleSymbols["bullet"], r.workers)))
		}
		fmt.Printf("%s%s %s %s %s\n", pad, d.indicator(r), infoStyle.Render(name), StyleSymbols["arrow"], detail)
		lineCount++
	}
	d.numLines = lineCount
}

// Summary prints a final table of every tracked download.
func (d *Display) Summary() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rows) == 0 {
		return
	}
	t := table.New().Headers("", "File", "Size", "Result").
		StyleFunc(func(rowIdx, col int) lipgloss.Style {
			if rowIdx == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Align(lipgloss.Center).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	var finished, failed int
	for _, r := range d.sorted() {
		result := "in progress"
		switch r.state {
		case rowFinished:
			finished++
			result = "finished"
		case rowFailed:
			failed++
			result = fmt.Sprintf("failed: %v", r.err)
		case rowInterrupted:
			result = "interrupted"
		case rowRemoved:
			result = "removed"
		}
		t.Row(d.indicator(r), r.name, utils.FormatBytes(uint64(max(r.received, 0))), result)
	}
	fmt.Println()
	fmt.Println(t.String())
	fmt.Println(pad() + successStyle.Render(fmt.Sprintf("Completed %d of %d", finished, len(d.rows))))
	if failed > 0 {
		fmt.Println(pad() + errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, len(d.rows))))
	}
	fmt.Println()
}

func pad() string {
	return strings.Repeat(" ", basePadding)
}
