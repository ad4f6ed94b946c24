package listen

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/recognize"
)

// Vendor identifiers used to extract the streaming deep link.
const (
	spotifyProvider = "SPOTIFY"
	spotifyAction   = "hub:spotify:searchdeeplink"
)

// Identifier turns a batch of normalised samples into a song, or nil when
// nothing was recognised.
type Identifier interface {
	Recognize(ctx context.Context, samples []float64) *Match
}

// Client adapts a [recognize.Recognizer] to [Identifier]. It never returns
// errors: every failure of the backend is logged and reported as no match.
type Client struct {
	rec        recognize.Recognizer
	name       string
	sampleRate int
	clock      Clock
	metrics    *observe.Metrics
}

var _ Identifier = (*Client)(nil)

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithClientClock sets the clock used for IdentifiedAt.
func WithClientClock(c Clock) ClientOption {
	return func(cl *Client) { cl.clock = c }
}

// WithSampleRate declares the rate of the samples passed to Recognize.
// Default: 16000.
func WithSampleRate(rate int) ClientOption {
	return func(cl *Client) {
		if rate > 0 {
			cl.sampleRate = rate
		}
	}
}

// WithRecognizerName labels the backend in logs and metrics.
func WithRecognizerName(name string) ClientOption {
	return func(cl *Client) { cl.name = name }
}

// WithClientMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithClientMetrics(m *observe.Metrics) ClientOption {
	return func(cl *Client) { cl.metrics = m }
}

// NewClient wraps rec.
func NewClient(rec recognize.Recognizer, opts ...ClientOption) *Client {
	c := &Client{
		rec:        rec,
		name:       "recognizer",
		sampleRate: 16000,
		clock:      SystemClock(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Recognize converts samples to 16-bit PCM, asks the backend and maps its
// answer to a [Match].
func (c *Client) Recognize(ctx context.Context, samples []float64) *Match {
	ctx, span := observe.StartSpan(ctx, "listen.recognize", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	c.metrics.BatchAudioSeconds.Record(ctx, audio.Format{SampleRate: c.sampleRate, Channels: 1}.Duration(len(samples)*audio.BytesPerSample))

	start := time.Now()
	track, err := c.rec.Recognize(ctx, recognize.Request{
		Samples:    audio.Float64ToInt16(samples),
		SampleRate: c.sampleRate,
	})
	c.metrics.RecognitionDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recognition failed")
		c.metrics.RecordRecognizerError(ctx, c.name)
		observe.Logger(ctx).Warn("recognition failed, treating as no match",
			slog.String("recognizer", c.name),
			slog.Any("err", err),
		)
		return nil
	}
	if track == nil {
		return nil
	}

	m := MatchFromTrack(track)
	m.ID = uuid.NewString()
	m.IdentifiedAt = c.clock.Now()
	return &m
}

// MatchFromTrack applies the response mapping rules. ID and IdentifiedAt are
// left for the caller.
func MatchFromTrack(t *recognize.Track) Match {
	m := Match{
		Title:  t.Title,
		Artist: t.Subtitle,
		Album:  UnknownAlbum,
	}
	if m.Title == "" {
		m.Title = UnknownTitle
	}
	if m.Artist == "" {
		m.Artist = UnknownArtist
	}
	if len(t.Sections) > 0 && len(t.Sections[0].Metapages) > 1 {
		if caption := t.Sections[0].Metapages[1].Caption; caption != "" {
			m.Album = caption
		}
	}
	if t.Images != nil {
		m.CoverArtURL = t.Images.CoverArt
		m.BackgroundURL = t.Images.Background
	}
	if t.Genres != nil {
		m.Genre = t.Genres.Primary
	}
	m.PlaybackURI = spotifyURI(t.Hub)
	return m
}

// spotifyURI returns the URI of the first search deep link action of any
// Spotify provider.
func spotifyURI(hub *recognize.Hub) string {
	if hub == nil {
		return ""
	}
	for _, p := range hub.Providers {
		if p.Type != spotifyProvider {
			continue
		}
		for _, a := range p.Actions {
			if a.Name == spotifyAction {
				return a.URI
			}
		}
	}
	return ""
}
