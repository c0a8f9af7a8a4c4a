package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/audara/audarad/internal/auth"
	"github.com/audara/audarad/internal/control"
	"github.com/audara/audarad/internal/types"
)

// API handles HTTP control endpoints.
type API struct {
	ctl     *control.Controller
	clients *auth.Clients
}

// NewAPI creates a new API handler.
func NewAPI(ctl *control.Controller, clients *auth.Clients) *API {
	return &API{ctl: ctl, clients: clients}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// PairRequest is the request body for the pair endpoint.
type PairRequest struct {
	ClientName string `json:"client_name" binding:"required"`
}

// PairResponse is the response for the pair endpoint.
type PairResponse struct {
	Token            string `json:"token"`
	ClientID         string `json:"client_id"`
	RequiresApproval bool   `json:"requires_approval"`
}

// EnqueueRequest is the request body for POST /queue.
type EnqueueRequest struct {
	Title          string `json:"title" binding:"required"`
	Artist         string `json:"artist"`
	ArtworkURL     string `json:"artwork_url"`
	StreamURL      string `json:"stream_url"`
	DurationMillis int64  `json:"duration_ms"`
}

// QueueResponse is the response for GET /queue.
type QueueResponse struct {
	Items        []types.Track `json:"items"`
	CurrentIndex int           `json:"current_index"`
	Loop         string        `json:"loop"`
}

// SeekRequest is the request body for the seek endpoint.
type SeekRequest struct {
	PositionMillis *int64 `json:"position_ms" binding:"required"`
}

// VolumeRequest is the request body for the volume endpoint.
type VolumeRequest struct {
	Level *float64 `json:"level" binding:"required"`
}

// ConnectRequest is the request body for session connect.
type ConnectRequest struct {
	URL string `json:"url"`
}

// LoginRequest is the request body for session login.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// SearchResponse is the response for the search endpoint.
type SearchResponse struct {
	Query   string        `json:"query"`
	Count   int           `json:"count"`
	Results []types.Track `json:"results"`
}

// Pair registers a new client and returns its token.
func (a *API) Pair(c *gin.Context) {
	var req PairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	token, clientID, requiresApproval, err := a.clients.Pair(req.ClientName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, PairResponse{
		Token:            token,
		ClientID:         clientID,
		RequiresApproval: requiresApproval,
	})
}

// Status returns the player and session status.
func (a *API) Status(c *gin.Context) {
	c.JSON(http.StatusOK, a.ctl.Status())
}

// Queue returns the queue and cursor.
func (a *API) Queue(c *gin.Context) {
	st := a.ctl.Player.State()
	items := st.Queue
	if items == nil {
		items = []types.Track{}
	}
	c.JSON(http.StatusOK, QueueResponse{
		Items:        items,
		CurrentIndex: st.CurrentIndex,
		Loop:         st.Loop.String(),
	})
}

// Enqueue adds a track, resolving it first when it has no stream URL.
func (a *API) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	track := types.Track{
		Title:          req.Title,
		Artist:         req.Artist,
		ArtworkURL:     req.ArtworkURL,
		StreamURL:      req.StreamURL,
		DurationMillis: req.DurationMillis,
	}
	if err := a.ctl.Enqueue(c.Request.Context(), track); err != nil {
		fail(c, err)
		return
	}
	a.Queue(c)
}

// Clear empties the queue.
func (a *API) Clear(c *gin.Context) {
	a.respond(c, a.ctl.Player.Clear(c.Request.Context()))
}

// PlayAt starts playback at the given queue index.
func (a *API) PlayAt(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, fmt.Errorf("index must be an integer"))
		return
	}
	a.respond(c, a.ctl.Player.PlayAt(c.Request.Context(), index))
}

// Next plays the next track.
func (a *API) Next(c *gin.Context) {
	a.respond(c, a.ctl.Player.PlayNext(c.Request.Context()))
}

// Previous plays the previous track.
func (a *API) Previous(c *gin.Context) {
	a.respond(c, a.ctl.Player.PlayPrevious(c.Request.Context()))
}

// Pause pauses playback.
func (a *API) Pause(c *gin.Context) {
	a.respond(c, a.ctl.Player.Pause(c.Request.Context()))
}

// Resume resumes playback.
func (a *API) Resume(c *gin.Context) {
	a.respond(c, a.ctl.Player.Resume(c.Request.Context()))
}

// Seek moves the playback position.
func (a *API) Seek(c *gin.Context) {
	var req SeekRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a.respond(c, a.ctl.Player.Seek(c.Request.Context(), *req.PositionMillis))
}

// Volume sets the volume.
func (a *API) Volume(c *gin.Context) {
	var req VolumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a.respond(c, a.ctl.Player.SetVolume(c.Request.Context(), *req.Level))
}

// ToggleLoop cycles the loop mode.
func (a *API) ToggleLoop(c *gin.Context) {
	mode, err := a.ctl.ToggleLoop(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loop": mode.String()})
}

// Search queries the catalog.
func (a *API) Search(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	tracks, err := a.ctl.Search(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	if tracks == nil {
		tracks = []types.Track{}
	}
	c.JSON(http.StatusOK, SearchResponse{Query: q, Count: len(tracks), Results: tracks})
}

// Session returns the backend connection status.
func (a *API) Session(c *gin.Context) {
	c.JSON(http.StatusOK, a.ctl.SessionStatus())
}

// Connect connects to a backend server.
func (a *API) Connect(c *gin.Context) {
	var req ConnectRequest
	// an empty body reconnects to the last server
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if err := a.ctl.Connect(c.Request.Context(), req.URL); err != nil {
		fail(c, err)
		return
	}
	a.Session(c)
}

// Disconnect closes the backend session.
func (a *API) Disconnect(c *gin.Context) {
	a.ctl.Disconnect()
	a.Session(c)
}

// Login logs in to the backend.
func (a *API) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := a.ctl.Login(c.Request.Context(), req.Username, req.Password); err != nil {
		fail(c, err)
		return
	}
	a.Session(c)
}

// Logout forgets the cached credentials.
func (a *API) Logout(c *gin.Context) {
	if err := a.ctl.Logout(); err != nil {
		fail(c, err)
		return
	}
	a.Session(c)
}

// Playlists lists the user's playlists.
func (a *API) Playlists(c *gin.Context) {
	playlists, err := a.ctl.ListPlaylists(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"playlists": playlists})
}

// PlaylistSongs lists the songs of a playlist.
func (a *API) PlaylistSongs(c *gin.Context) {
	songs, err := a.ctl.PlaylistSongs(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"songs": songs})
}

// PlayPlaylist enqueues a playlist.
func (a *API) PlayPlaylist(c *gin.Context) {
	n, err := a.ctl.PlayPlaylist(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enqueued": n})
}

// Admin runs an administrative action on the backend.
func (a *API) Admin(c *gin.Context) {
	var req control.AdminRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	req.Action = c.Param("action")
	out, err := a.ctl.RunAdmin(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", out)
}

// respond writes the player state on success
func (a *API) respond(c *gin.Context, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a.ctl.Player.State())
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: fmt.Sprintf("invalid request: %v", err),
		Code:  "invalid_argument",
	})
}

func fail(c *gin.Context, err error) {
	code := control.ErrorCode(err)
	c.JSON(httpStatus(code), ErrorResponse{Error: err.Error(), Code: code})
}

func httpStatus(code string) int {
	switch {
	case code == "invalid_argument":
		return http.StatusBadRequest
	case code == "busy":
		return http.StatusConflict
	case code == "forbidden":
		return http.StatusForbidden
	case code == "timeout":
		return http.StatusGatewayTimeout
	case code == "not_connected":
		return http.StatusServiceUnavailable
	case code == "unresolved", code == "server_error", strings.HasPrefix(code, "load_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
