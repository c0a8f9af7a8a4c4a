// Package control implements the daemon operations shared by the local
// control surfaces (the IPC socket and the HTTP API).
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/audara/audarad/internal/kv"
	"github.com/audara/audarad/internal/playback"
	"github.com/audara/audarad/internal/protocol"
	"github.com/audara/audarad/internal/session"
	"github.com/audara/audarad/internal/types"
)

var log = logging.Logger("control")

var (
	ErrNoServer     = errors.New("no server url configured")
	ErrInvalidQuery = errors.New("query is required")
	ErrNotAdmin     = errors.New("admin privileges required")
)

// Player is the playback engine as seen by the control surfaces
type Player interface {
	State() playback.State
	Subscribe() (<-chan playback.State, func())
	Enqueue(ctx context.Context, track types.Track) error
	PlayAt(ctx context.Context, index int) error
	PlayNext(ctx context.Context) error
	PlayPrevious(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Seek(ctx context.Context, positionMillis int64) error
	SetVolume(ctx context.Context, v float64) error
	ToggleLoop(ctx context.Context) (types.LoopMode, error)
	Clear(ctx context.Context) error
}

// Session is the backend channel
type Session interface {
	Connect(ctx context.Context, rawURL string) error
	Disconnect()
	SendMessage(text string) error
	State() session.State
	URL() string
	HasSessionKey() bool
}

// Account is the backend login
type Account interface {
	Login(ctx context.Context, username, password string) error
	Logout() error
	Status() (loggedIn bool, username string, isAdmin bool)
}

// Catalog searches the song catalog
type Catalog interface {
	Search(ctx context.Context, q string) ([]types.Track, error)
}

// Playlists lists and plays the user's playlists
type Playlists interface {
	List(ctx context.Context) ([]protocol.Playlist, error)
	Songs(ctx context.Context, playlistID string) ([]protocol.Song, error)
	Play(ctx context.Context, playlistID string) (int, error)
}

// Admin runs administrative actions on the backend
type Admin interface {
	Stats(ctx context.Context) (json.RawMessage, error)
	Users(ctx context.Context) (json.RawMessage, error)
	CreateUser(ctx context.Context, username, password string, isAdmin bool) (json.RawMessage, error)
	Ban(ctx context.Context, userID, reason string) (json.RawMessage, error)
	Unban(ctx context.Context, userID string) (json.RawMessage, error)
	Promote(ctx context.Context, userID string) (json.RawMessage, error)
	Demote(ctx context.Context, userID string) (json.RawMessage, error)
	SystemLogs(ctx context.Context, limit int) (json.RawMessage, error)
	RestartServer(ctx context.Context) (json.RawMessage, error)
	BackupDatabase(ctx context.Context) (json.RawMessage, error)
	RestoreDatabase(ctx context.Context, backupID string) (json.RawMessage, error)
}

// Deps are the collaborators of a Controller. Catalog and Playlists may be
// nil, in which case the matching operations fail.
type Deps struct {
	Player    Player
	Session   Session
	Account   Account
	Catalog   Catalog
	Playlists Playlists
	Admin     Admin
	Store     kv.Store

	// ProbeTimeout bounds the liveness probe made before connecting. Zero
	// skips the probe.
	ProbeTimeout time.Duration
}

// Controller runs control commands against the daemon components
type Controller struct {
	Deps
	probe func(ctx context.Context, rawURL string, timeout time.Duration) error
}

// New creates a Controller
func New(deps Deps) *Controller {
	return &Controller{Deps: deps, probe: session.Probe}
}

// SessionStatus describes the backend connection and login
type SessionStatus struct {
	State     session.State `json:"state"`
	ServerURL string        `json:"serverUrl,omitempty"`
	HasKey    bool          `json:"hasKey"`
	LoggedIn  bool          `json:"loggedIn"`
	Username  string        `json:"username,omitempty"`
	IsAdmin   bool          `json:"isAdmin"`
}

// Status is the full daemon status
type Status struct {
	Player  playback.State `json:"player"`
	Session SessionStatus  `json:"session"`
}

// Status returns the player and session status
func (c *Controller) Status() Status {
	return Status{Player: c.Player.State(), Session: c.SessionStatus()}
}

// SessionStatus returns the backend connection and login status
func (c *Controller) SessionStatus() SessionStatus {
	st := SessionStatus{
		State:     c.Session.State(),
		ServerURL: c.Session.URL(),
		HasKey:    c.Session.HasSessionKey(),
	}
	if st.ServerURL == "" {
		st.ServerURL = c.storedServerURL()
	}
	if c.Account != nil {
		st.LoggedIn, st.Username, st.IsAdmin = c.Account.Status()
	}
	return st
}

func (c *Controller) storedServerURL() string {
	if c.Store == nil {
		return ""
	}
	v, _, err := c.Store.Get(kv.KeyServerURL)
	if err != nil {
		log.Warnf("read server url: %v", err)
	}
	return v
}

// Connect probes rawURL and connects the session to it. An empty rawURL
// reuses the last server. The URL is remembered for the next start.
func (c *Controller) Connect(ctx context.Context, rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		rawURL = c.storedServerURL()
	}
	if rawURL == "" {
		return ErrNoServer
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "ws://" + rawURL
	}

	if c.ProbeTimeout > 0 && c.probe != nil {
		if err := c.probe(ctx, rawURL, c.ProbeTimeout); err != nil {
			return err
		}
	}
	if c.Store != nil {
		if err := c.Store.Set(kv.KeyServerURL, rawURL); err != nil {
			log.Warnf("remember server url: %v", err)
		}
	}
	return c.Session.Connect(ctx, rawURL)
}

// Disconnect closes the session
func (c *Controller) Disconnect() {
	c.Session.Disconnect()
}

// Send writes raw text on the session
func (c *Controller) Send(text string) error {
	return c.Session.SendMessage(text)
}

// Login logs in to the backend
func (c *Controller) Login(ctx context.Context, username, password string) error {
	if c.Account == nil {
		return fmt.Errorf("login not available")
	}
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}
	return c.Account.Login(ctx, username, password)
}

// Logout forgets the cached credentials
func (c *Controller) Logout() error {
	if c.Account == nil {
		return nil
	}
	return c.Account.Logout()
}

// Search queries the catalog
func (c *Controller) Search(ctx context.Context, q string) ([]types.Track, error) {
	if strings.TrimSpace(q) == "" {
		return nil, ErrInvalidQuery
	}
	if c.Catalog == nil {
		return nil, fmt.Errorf("catalog not available")
	}
	return c.Catalog.Search(ctx, q)
}

// ListPlaylists lists the user's playlists
func (c *Controller) ListPlaylists(ctx context.Context) ([]protocol.Playlist, error) {
	if c.Playlists == nil {
		return nil, fmt.Errorf("playlists not available")
	}
	return c.Playlists.List(ctx)
}

// PlaylistSongs returns the songs of a playlist
func (c *Controller) PlaylistSongs(ctx context.Context, id string) ([]protocol.Song, error) {
	if c.Playlists == nil {
		return nil, fmt.Errorf("playlists not available")
	}
	return c.Playlists.Songs(ctx, id)
}

// PlayPlaylist enqueues a playlist's songs and returns how many were added
func (c *Controller) PlayPlaylist(ctx context.Context, id string) (int, error) {
	if c.Playlists == nil {
		return 0, fmt.Errorf("playlists not available")
	}
	return c.Playlists.Play(ctx, id)
}

// Enqueue adds a track to the queue
func (c *Controller) Enqueue(ctx context.Context, track types.Track) error {
	if strings.TrimSpace(track.Title) == "" {
		return fmt.Errorf("title is required")
	}
	return c.Player.Enqueue(ctx, track)
}

// ToggleLoop cycles the loop mode
func (c *Controller) ToggleLoop(ctx context.Context) (types.LoopMode, error) {
	return c.Player.ToggleLoop(ctx)
}

// AdminRequest names an administrative action and its arguments
type AdminRequest struct {
	Action   string `json:"action"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	IsAdmin  bool   `json:"isAdmin,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	BackupID string `json:"backupId,omitempty"`
}

// RunAdmin runs an administrative action. The logged-in user must be an admin.
func (c *Controller) RunAdmin(ctx context.Context, req AdminRequest) (json.RawMessage, error) {
	if c.Admin == nil || c.Account == nil {
		return nil, fmt.Errorf("admin not available")
	}
	if _, _, isAdmin := c.Account.Status(); !isAdmin {
		return nil, ErrNotAdmin
	}

	needUser := func() error {
		if req.UserID == "" {
			return fmt.Errorf("%s: userId is required", req.Action)
		}
		return nil
	}

	switch req.Action {
	case "stats":
		return c.Admin.Stats(ctx)
	case "users":
		return c.Admin.Users(ctx)
	case "create_user":
		if req.Username == "" || req.Password == "" {
			return nil, fmt.Errorf("username and password are required")
		}
		return c.Admin.CreateUser(ctx, req.Username, req.Password, req.IsAdmin)
	case "ban":
		if err := needUser(); err != nil {
			return nil, err
		}
		return c.Admin.Ban(ctx, req.UserID, req.Reason)
	case "unban":
		if err := needUser(); err != nil {
			return nil, err
		}
		return c.Admin.Unban(ctx, req.UserID)
	case "promote":
		if err := needUser(); err != nil {
			return nil, err
		}
		return c.Admin.Promote(ctx, req.UserID)
	case "demote":
		if err := needUser(); err != nil {
			return nil, err
		}
		return c.Admin.Demote(ctx, req.UserID)
	case "logs":
		return c.Admin.SystemLogs(ctx, req.Limit)
	case "restart":
		return c.Admin.RestartServer(ctx)
	case "backup":
		return c.Admin.BackupDatabase(ctx)
	case "restore":
		if req.BackupID == "" {
			return nil, fmt.Errorf("restore: backupId is required")
		}
		return c.Admin.RestoreDatabase(ctx, req.BackupID)
	default:
		return nil, fmt.Errorf("unknown admin action %q", req.Action)
	}
}

// ErrorCode maps an operation error to a short code for clients
func ErrorCode(err error) string {
	var loadErr *playback.LoadError
	var resErr *playback.ResolutionError
	var srvErr *protocol.ServerError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, playback.ErrIndexOutOfRange), errors.Is(err, playback.ErrSeekOutOfRange),
		errors.Is(err, playback.ErrInvalidVolume), errors.Is(err, ErrInvalidQuery):
		return "invalid_argument"
	case errors.Is(err, playback.ErrLoadInFlight):
		return "busy"
	case errors.Is(err, ErrNotAdmin):
		return "forbidden"
	case errors.Is(err, playback.ErrResolutionTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrNoSessionKey), errors.Is(err, ErrNoServer):
		return "not_connected"
	case errors.As(err, &loadErr):
		return "load_" + strings.ReplaceAll(loadErr.Kind.String(), "-", "_")
	case errors.As(err, &resErr):
		return "unresolved"
	case errors.As(err, &srvErr):
		return "server_error"
	default:
		return "internal"
	}
}
