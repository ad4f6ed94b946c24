// Package recognize defines the Recognizer interface for song-recognition
// backends.
//
// A Recognizer wraps an external music identification service (a Shazam-style
// fingerprinting sidecar, a vendor API, or a test double). Earshot never
// fingerprints audio itself: it hands a batch of 16-bit PCM samples to the
// Recognizer and receives either a [Track] or nothing.
//
// Implementations must be safe for concurrent use.
package recognize

import "context"

// Request is a single identification attempt.
type Request struct {
	// Samples is mono 16-bit PCM.
	Samples []int16

	// SampleRate of Samples in Hz. Zero means the provider default.
	SampleRate int
}

// Recognizer identifies the song contained in a batch of audio.
type Recognizer interface {
	// Recognize submits req to the service. A nil Track with a nil error means
	// the service answered but found no match. Transport, protocol and decoding
	// failures are returned as errors; callers decide whether to surface them.
	Recognize(ctx context.Context, req Request) (*Track, error)
}

// Track is the structured result returned by the recognition service. Field
// names follow the service's JSON response so the type can be decoded directly.
type Track struct {
	Title    string    `json:"title"`
	Subtitle string    `json:"subtitle"`
	Genres   *Genres   `json:"genres,omitempty"`
	Sections []Section `json:"sections,omitempty"`
	Images   *Images   `json:"images,omitempty"`
	Hub      *Hub      `json:"hub,omitempty"`
}

// Genres holds genre classification for a track.
type Genres struct {
	Primary string `json:"primary"`
}

// Section is one page group of track metadata.
type Section struct {
	Type      string     `json:"type,omitempty"`
	Metapages []Metapage `json:"metapages,omitempty"`
}

// Metapage is a captioned metadata entry. In the song section the second
// metapage carries the album name.
type Metapage struct {
	Image   string `json:"image,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// Images holds artwork URLs.
type Images struct {
	CoverArt   string `json:"coverart,omitempty"`
	Background string `json:"background,omitempty"`
}

// Hub lists the streaming providers a track is available on.
type Hub struct {
	Providers []HubProvider `json:"providers,omitempty"`
}

// HubProvider is one streaming service entry, e.g. type "SPOTIFY".
type HubProvider struct {
	Type    string      `json:"type"`
	Actions []HubAction `json:"actions,omitempty"`
}

// HubAction is a named deep link offered by a [HubProvider].
type HubAction struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}
