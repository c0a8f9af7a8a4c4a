package protocol

import "encoding/json"

// KeyExchangeType is the type tag of the plaintext session-key message.
const KeyExchangeType = "session-key"

// KeyExchange is sent once per connection by the server, unencrypted.
type KeyExchange struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// Heartbeat is the keep-alive sent while a session key is present.
type Heartbeat struct {
	Action string `json:"action"`
}

// NewHeartbeat returns the heartbeat message
func NewHeartbeat() Heartbeat {
	return Heartbeat{Action: ActionHeartbeat.String()}
}

// LoginRequest is the data for a login action
type LoginRequest struct {
	Action   string `json:"action"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the server reply to login
type LoginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StreamSongRequest asks the server to resolve a track to a stream URL.
// RequestID is echoed back by servers that support correlation.
type StreamSongRequest struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	Image     string `json:"image,omitempty"`
}

// StreamSongResponse is the resolution result.
// Duration may be seconds or milliseconds; see playback.NormalizeDurationMillis.
type StreamSongResponse struct {
	RequestID string  `json:"request_id,omitempty"`
	Success   bool    `json:"success"`
	Type      string  `json:"type,omitempty"`
	Title     string  `json:"title"`
	Artist    string  `json:"artist"`
	Image     string  `json:"image,omitempty"`
	URL       string  `json:"url,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// ID is an identifier the server sends as either a JSON number or a string.
type ID string

// UnmarshalJSON accepts numbers and strings
func (id *ID) UnmarshalJSON(b []byte) error {
	switch {
	case string(b) == "null":
		*id = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*id = ID(n.String())
	}
	return nil
}

// Song is a track as carried in playlist payloads
type Song struct {
	ID       ID      `json:"id,omitempty"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	Image    string  `json:"image,omitempty"`
	URL      string  `json:"url,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Playlist is a user playlist summary
type Playlist struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SongCount   int    `json:"song_count,omitempty"`
	Songs       []Song `json:"songs,omitempty"`
}

// PlaylistsResponse is the reply to get_playlists
type PlaylistsResponse struct {
	Success   bool       `json:"success"`
	Playlists []Playlist `json:"playlists"`
}

// PlaylistSongsResponse is the reply to get_playlist_songs and play_playlist
type PlaylistSongsResponse struct {
	Success    bool      `json:"success"`
	PlaylistID ID        `json:"playlist_id,omitempty"`
	Playlist   *Playlist `json:"playlist,omitempty"`
	Songs      []Song    `json:"songs"`
}

// AllSongs returns the songs whether sent at top level or inside the playlist
func (r PlaylistSongsResponse) AllSongs() []Song {
	if len(r.Songs) == 0 && r.Playlist != nil {
		return r.Playlist.Songs
	}
	return r.Songs
}

// AdminCheckResponse is the reply to check_admin
type AdminCheckResponse struct {
	Success bool `json:"success"`
	IsAdmin bool `json:"is_admin"`
}
