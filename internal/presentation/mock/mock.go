// Package mock provides a recording [presentation.Display] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/internal/presentation"
)

// Display records every write. Set MainErr / ExpandedErr to simulate a
// disconnected device.
type Display struct {
	mu sync.Mutex

	MainErr     error
	ExpandedErr error

	Main     []string
	Expanded []string
}

var _ presentation.Display = (*Display)(nil)

// WriteToMain implements [presentation.Display].
func (d *Display) WriteToMain(_ context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Main = append(d.Main, text)
	return d.MainErr
}

// WriteToExpanded implements [presentation.Display].
func (d *Display) WriteToExpanded(_ context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Expanded = append(d.Expanded, text)
	return d.ExpandedErr
}

// LastMain returns the most recent main text, or "".
func (d *Display) LastMain() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Main) == 0 {
		return ""
	}
	return d.Main[len(d.Main)-1]
}

// LastExpanded returns the most recent expanded text, or "".
func (d *Display) LastExpanded() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Expanded) == 0 {
		return ""
	}
	return d.Expanded[len(d.Expanded)-1]
}

// Writes returns the number of main and expanded writes.
func (d *Display) Writes() (main, expanded int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Main), len(d.Expanded)
}
