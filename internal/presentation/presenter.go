// Package presentation renders the listening status onto the two dashboard
// surfaces of the glasses: a short "main" summary and a longer "expanded"
// view.
package presentation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/internal/listen"
)

// Fixed dashboard texts.
const (
	ListeningText = "Listening for music..."
	PausedText    = "⏸️ Paused"
	IdleExpanded  = "🎵 Earshot\n\nNo song currently playing\n\nListening for music in your environment..."
	SpotifyNote   = "🎧 Available on Spotify"

	// timeLayout renders identification times like "3:04:05 PM".
	timeLayout = "3:04:05 PM"
)

// Display is a device dashboard with two write targets.
type Display interface {
	WriteToMain(ctx context.Context, text string) error
	WriteToExpanded(ctx context.Context, text string) error
}

// Option configures a [Presenter].
type Option func(*Presenter)

// WithLocation sets the zone identification times are shown in.
// Default: UTC.
func WithLocation(loc *time.Location) Option {
	return func(p *Presenter) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithLogger sets the logger used for write failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Presenter) {
		if l != nil {
			p.log = l
		}
	}
}

// Presenter implements [listen.Presenter] on top of a [Display]. Display
// errors are logged and swallowed.
type Presenter struct {
	display Display
	loc     *time.Location
	log     *slog.Logger
}

var _ listen.Presenter = (*Presenter)(nil)

// New creates a Presenter writing to d.
func New(d Display, opts ...Option) *Presenter {
	p := &Presenter{
		display: d,
		loc:     time.UTC,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Render writes the main and expanded texts for st.
func (p *Presenter) Render(ctx context.Context, st listen.Status) {
	if err := p.display.WriteToMain(ctx, MainText(st)); err != nil {
		p.log.Warn("dashboard main write failed", "err", err)
	}
	if err := p.display.WriteToExpanded(ctx, ExpandedText(st, p.loc)); err != nil {
		p.log.Warn("dashboard expanded write failed", "err", err)
	}
}

// MainText returns the summary line for st.
func MainText(st listen.Status) string {
	if m := st.Current; m != nil {
		return fmt.Sprintf("Now Playing\n%s\nby %s\nAlbum: %s", m.Title, m.Artist, albumOf(*m))
	}
	if st.Listening {
		return ListeningText
	}
	return PausedText
}

// ExpandedText returns the detail view for st with times shown in loc.
func ExpandedText(st listen.Status, loc *time.Location) string {
	m := st.Current
	if m == nil {
		return IdleExpanded
	}
	if loc == nil {
		loc = time.UTC
	}
	note := ""
	if m.HasPlayback() {
		note = SpotifyNote
	}
	return fmt.Sprintf("Now Playing\n%s\nby %s\n\nAlbum: %s\nTime: %s\n\n%s",
		m.Title, m.Artist, albumOf(*m), m.IdentifiedAt.In(loc).Format(timeLayout), note)
}

func albumOf(m listen.Match) string {
	if m.Album == "" {
		return "Unknown"
	}
	return m.Album
}
