package listen

import "time"

// Placeholders used when the recognition response omits a field.
const (
	UnknownTitle  = "Unknown Title"
	UnknownArtist = "Unknown Artist"
	UnknownAlbum  = "Unknown Album"
)

// Match is a successfully identified song. It is created by [Client] and
// never modified afterwards; copies are handed out by value.
type Match struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Artist        string    `json:"artist"`
	Album         string    `json:"album,omitempty"`
	CoverArtURL   string    `json:"cover_art_url,omitempty"`
	BackgroundURL string    `json:"background_url,omitempty"`
	PlaybackURI   string    `json:"playback_uri,omitempty"`
	Genre         string    `json:"genre,omitempty"`
	IdentifiedAt  time.Time `json:"identified_at"`
}

// SameSong reports whether m and other name the same title and artist.
// The comparison is case-sensitive.
func (m Match) SameSong(other Match) bool {
	return m.Title == other.Title && m.Artist == other.Artist
}

// HasPlayback reports whether a streaming deep link is known.
func (m Match) HasPlayback() bool { return m.PlaybackURI != "" }
