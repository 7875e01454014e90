package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/chatrack/chatrack/internal/indexer"
)

// CLIProgress implements indexer.Progress for terminal output. On a
// terminal it rewrites one line in place; piped output gets plain
// throttled lines instead.
type CLIProgress struct {
	startTime   time.Time
	lastPrint   time.Time
	interactive bool
}

// NewCLIProgress returns a progress reporter matched to stdout.
func NewCLIProgress() *CLIProgress {
	return &CLIProgress{
		interactive: isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
	}
}

func (p *CLIProgress) OnStart(total int) {
	now := time.Now()
	p.startTime = now
	p.lastPrint = now
	if total > 0 {
		fmt.Printf("Indexing %d new messages...\n", total)
	}
}

func (p *CLIProgress) OnProgress(done, total int) {
	if p.startTime.IsZero() {
		p.startTime = time.Now()
	}
	// Throttle to twice a second; a redraw per batch is plenty.
	if time.Since(p.lastPrint) < 500*time.Millisecond {
		return
	}
	p.lastPrint = time.Now()

	elapsed := time.Since(p.startTime)
	rate := 0.0
	if elapsed.Seconds() >= 1 {
		rate = float64(done) / elapsed.Seconds()
	}

	if p.interactive {
		fmt.Printf("\r  Indexed: %d/%d | Rate: %.0f/s | Elapsed: %s    ",
			done, total, rate, elapsed.Round(time.Second))
	} else {
		fmt.Printf("  Indexed: %d/%d\n", done, total)
	}
}

func (p *CLIProgress) OnComplete(result *indexer.SyncResult) {
	if p.interactive {
		fmt.Println() // Clear the progress line
	}
}
