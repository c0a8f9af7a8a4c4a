package services

import (
	"context"
	"fmt"

	"github.com/audara/audarad/internal/playback"
	"github.com/audara/audarad/internal/protocol"
	"github.com/audara/audarad/internal/types"
)

// Enqueuer adds tracks to the play queue
type Enqueuer interface {
	Enqueue(ctx context.Context, track types.Track) error
}

// Playlists sends playlist actions
type Playlists struct {
	sender    Sender
	player    Enqueuer
	serverURL func() string
}

// NewPlaylists creates the playlist service. serverURL supplies the host for
// stream URLs carried in playlist payloads.
func NewPlaylists(sender Sender, player Enqueuer, serverURL func() string) *Playlists {
	return &Playlists{sender: sender, player: player, serverURL: serverURL}
}

// Create creates a playlist
func (p *Playlists) Create(ctx context.Context, name, description string) error {
	_, err := Request(ctx, p.sender, protocol.ActionCreatePlaylist, map[string]interface{}{
		"name":        name,
		"description": description,
	})
	return err
}

// List returns the user's playlists
func (p *Playlists) List(ctx context.Context) ([]protocol.Playlist, error) {
	msg, err := Request(ctx, p.sender, protocol.ActionGetPlaylists, nil)
	if err != nil {
		return nil, err
	}
	var resp protocol.PlaylistsResponse
	if err := msg.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode playlists: %w", err)
	}
	return resp.Playlists, nil
}

// Songs returns the songs of a playlist
func (p *Playlists) Songs(ctx context.Context, playlistID string) ([]protocol.Song, error) {
	return p.songs(ctx, protocol.ActionGetPlaylistSongs, playlistID)
}

func (p *Playlists) songs(ctx context.Context, action protocol.Action, playlistID string) ([]protocol.Song, error) {
	msg, err := Request(ctx, p.sender, action, map[string]interface{}{
		"playlist_id": playlistID,
	})
	if err != nil {
		return nil, err
	}
	var resp protocol.PlaylistSongsResponse
	if err := msg.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode playlist songs: %w", err)
	}
	return resp.AllSongs(), nil
}

// AddSong adds a song to a playlist
func (p *Playlists) AddSong(ctx context.Context, playlistID string, song protocol.Song) error {
	_, err := Request(ctx, p.sender, protocol.ActionAddSongToPlaylist, map[string]interface{}{
		"playlist_id": playlistID,
		"song": map[string]interface{}{
			"id":       song.ID,
			"title":    song.Title,
			"artist":   song.Artist,
			"image":    song.Image,
			"duration": song.Duration,
		},
	})
	return err
}

// RemoveSong removes a song from a playlist
func (p *Playlists) RemoveSong(ctx context.Context, playlistID, songID string) error {
	_, err := Request(ctx, p.sender, protocol.ActionRemoveSongFromPlaylist, map[string]interface{}{
		"playlist_id": playlistID,
		"song_id":     songID,
	})
	return err
}

// Delete deletes a playlist
func (p *Playlists) Delete(ctx context.Context, playlistID string) error {
	_, err := Request(ctx, p.sender, protocol.ActionDeletePlaylist, map[string]interface{}{
		"playlist_id": playlistID,
	})
	return err
}

// Play asks the server for a playlist's songs and enqueues them in order.
// It returns how many were enqueued.
func (p *Playlists) Play(ctx context.Context, playlistID string) (int, error) {
	songs, err := p.songs(ctx, protocol.ActionPlayPlaylist, playlistID)
	if err != nil {
		return 0, err
	}

	server := ""
	if p.serverURL != nil {
		server = p.serverURL()
	}

	enqueued := 0
	for _, song := range songs {
		track := SongTrack(song, server)
		if err := p.player.Enqueue(ctx, track); err != nil {
			log.Warnf("playlist %s: skipping %s: %v", playlistID, track.Key(), err)
			if ctx.Err() != nil {
				return enqueued, ctx.Err()
			}
			continue
		}
		enqueued++
	}
	log.Infof("playlist %s: enqueued %d of %d songs", playlistID, enqueued, len(songs))
	return enqueued, nil
}

// SongTrack converts a playlist song to a queue track. Songs without a URL
// stay unresolved.
func SongTrack(song protocol.Song, serverURL string) types.Track {
	t := types.Track{
		Title:      song.Title,
		Artist:     song.Artist,
		ArtworkURL: song.Image,
	}
	if song.Duration > 0 {
		t.DurationMillis = playback.NormalizeDurationMillis(song.Duration)
	}
	if song.URL != "" {
		t.StreamURL = playback.ResolveStreamURL(song.URL, serverURL)
	}
	return t
}
