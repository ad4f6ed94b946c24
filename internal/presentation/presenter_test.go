package presentation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/listen"
	"github.com/MrWong99/earshot/internal/presentation"
	"github.com/MrWong99/earshot/internal/presentation/mock"
)

var identified = time.Date(2024, 6, 1, 15, 4, 5, 0, time.UTC)

func song(album, uri string) *listen.Match {
	return &listen.Match{
		Title:        "Bohemian Rhapsody",
		Artist:       "Queen",
		Album:        album,
		PlaybackURI:  uri,
		IdentifiedAt: identified,
	}
}

func TestMainText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		st   listen.Status
		want string
	}{
		{"listening", listen.Status{Listening: true}, "Listening for music..."},
		{"paused", listen.Status{Listening: false}, "⏸️ Paused"},
		{
			"now playing",
			listen.Status{Listening: true, Current: song("A Night at the Opera", "")},
			"Now Playing\nBohemian Rhapsody\nby Queen\nAlbum: A Night at the Opera",
		},
		{
			"now playing while paused",
			listen.Status{Current: song("Unknown Album", "")},
			"Now Playing\nBohemian Rhapsody\nby Queen\nAlbum: Unknown Album",
		},
		{
			"empty album",
			listen.Status{Current: song("", "")},
			"Now Playing\nBohemian Rhapsody\nby Queen\nAlbum: Unknown",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := presentation.MainText(tc.st); got != tc.want {
				t.Errorf("MainText() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExpandedText(t *testing.T) {
	t.Parallel()
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	tests := []struct {
		name string
		st   listen.Status
		loc  *time.Location
		want string
	}{
		{"no song listening", listen.Status{Listening: true}, time.UTC, presentation.IdleExpanded},
		{"no song paused", listen.Status{}, time.UTC, presentation.IdleExpanded},
		{
			"with spotify",
			listen.Status{Current: song("A Night at the Opera", "spotify:search:queen")},
			time.UTC,
			"Now Playing\nBohemian Rhapsody\nby Queen\n\nAlbum: A Night at the Opera\nTime: 3:04:05 PM\n\n🎧 Available on Spotify",
		},
		{
			"without spotify",
			listen.Status{Current: song("", "")},
			nil,
			"Now Playing\nBohemian Rhapsody\nby Queen\n\nAlbum: Unknown\nTime: 3:04:05 PM\n\n",
		},
		{
			"local time",
			listen.Status{Current: song("X", "")},
			berlin,
			"Now Playing\nBohemian Rhapsody\nby Queen\n\nAlbum: X\nTime: 5:04:05 PM\n\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := presentation.ExpandedText(tc.st, tc.loc); got != tc.want {
				t.Errorf("ExpandedText() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRender_WritesBothTargets(t *testing.T) {
	t.Parallel()
	d := &mock.Display{}
	p := presentation.New(d)

	p.Render(context.Background(), listen.Status{Listening: true})
	p.Render(context.Background(), listen.Status{Listening: true, Current: song("Album", "")})

	if main, expanded := d.Writes(); main != 2 || expanded != 2 {
		t.Fatalf("writes = %d/%d, want 2/2", main, expanded)
	}
	if d.Main[0] != presentation.ListeningText {
		t.Errorf("first main = %q", d.Main[0])
	}
	if d.LastMain() != "Now Playing\nBohemian Rhapsody\nby Queen\nAlbum: Album" {
		t.Errorf("last main = %q", d.LastMain())
	}
}

func TestRender_SwallowsDisplayErrors(t *testing.T) {
	t.Parallel()
	d := &mock.Display{MainErr: errors.New("device gone"), ExpandedErr: errors.New("device gone")}
	p := presentation.New(d, presentation.WithLocation(time.UTC))

	// Must not panic; the expanded write still happens after a failed main write.
	p.Render(context.Background(), listen.Status{})
	if main, expanded := d.Writes(); main != 1 || expanded != 1 {
		t.Errorf("writes = %d/%d, want 1/1", main, expanded)
	}
}
