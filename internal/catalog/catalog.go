// Package catalog queries the backend's song catalog over plain HTTP.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/audara/audarad/internal/session"
	"github.com/audara/audarad/internal/types"
)

var log = logging.Logger("catalog")

const (
	DefaultTimeout = 10 * time.Second

	unknownTitle  = "Unknown Title"
	unknownArtist = "Unknown Artist"

	// ChartPicks is how many random chart tracks Picks returns
	ChartPicks = 10
)

// Client talks to the catalog endpoints of the server the session is
// connected to.
type Client struct {
	http      *http.Client
	serverURL func() string
}

// New creates a catalog client. serverURL returns the current backend URL
// (ws:// or wss://); only its host is used.
func New(serverURL func() string) *Client {
	return &Client{
		http:      &http.Client{Timeout: DefaultTimeout},
		serverURL: serverURL,
	}
}

type item struct {
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
	Artist   struct {
		Name string `json:"name"`
	} `json:"artist"`
	Album struct {
		CoverBig string `json:"cover_big"`
	} `json:"album"`
}

func (it item) track() types.Track {
	t := types.Track{
		Title:          it.Title,
		Artist:         it.Artist.Name,
		ArtworkURL:     it.Album.CoverBig,
		DurationMillis: int64(it.Duration * 1000),
	}
	if t.Title == "" {
		t.Title = unknownTitle
	}
	if t.Artist == "" {
		t.Artist = unknownArtist
	}
	return t
}

// Search returns unresolved tracks matching q. A blank query returns no
// results without a request.
func (c *Client) Search(ctx context.Context, q string) ([]types.Track, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, nil
	}

	var resp struct {
		Data []item `json:"data"`
	}
	if err := c.get(ctx, "/api/deezer/search?q="+url.QueryEscape(q), &resp); err != nil {
		return nil, err
	}

	tracks := make([]types.Track, 0, len(resp.Data))
	for _, it := range resp.Data {
		tracks = append(tracks, it.track())
	}
	log.Debugf("search %q: %d results", q, len(tracks))
	return tracks, nil
}

// Chart returns the current chart tracks
func (c *Client) Chart(ctx context.Context) ([]types.Track, error) {
	var resp struct {
		Tracks struct {
			Data []item `json:"data"`
		} `json:"tracks"`
	}
	if err := c.get(ctx, "/api/deezer/chart", &resp); err != nil {
		return nil, err
	}

	tracks := make([]types.Track, 0, len(resp.Tracks.Data))
	for _, it := range resp.Tracks.Data {
		tracks = append(tracks, it.track())
	}
	return tracks, nil
}

// Picks returns up to n chart tracks in random order
func (c *Client) Picks(ctx context.Context, n int) ([]types.Track, error) {
	tracks, err := c.Chart(ctx)
	if err != nil {
		return nil, err
	}
	rand.Shuffle(len(tracks), func(i, j int) { tracks[i], tracks[j] = tracks[j], tracks[i] })
	if n >= 0 && len(tracks) > n {
		tracks = tracks[:n]
	}
	return tracks, nil
}

func (c *Client) get(ctx context.Context, path string, v interface{}) error {
	host := session.HostOf(c.serverURL())
	if host == "" {
		return fmt.Errorf("no server configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("catalog returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode catalog response: %w", err)
	}
	return nil
}
