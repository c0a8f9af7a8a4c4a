package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/audara/audarad/internal/auth"
	"github.com/audara/audarad/internal/control"
	"github.com/audara/audarad/internal/kv"
	"github.com/audara/audarad/internal/playback"
	"github.com/audara/audarad/internal/session"
	"github.com/audara/audarad/internal/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePlayer struct {
	mu    sync.Mutex
	state playback.State
	seeks []int64
}

func (p *fakePlayer) State() playback.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePlayer) Subscribe() (<-chan playback.State, func()) {
	return make(chan playback.State), func() {}
}

func (p *fakePlayer) Enqueue(ctx context.Context, track types.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Queue = append(p.state.Queue, track)
	if p.state.CurrentIndex < 0 {
		p.state.CurrentIndex = 0
	}
	return nil
}

func (p *fakePlayer) PlayAt(ctx context.Context, index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.state.Queue) {
		return playback.ErrIndexOutOfRange
	}
	p.state.CurrentIndex = index
	return nil
}

func (p *fakePlayer) PlayNext(ctx context.Context) error     { return nil }
func (p *fakePlayer) PlayPrevious(ctx context.Context) error { return nil }
func (p *fakePlayer) Pause(ctx context.Context) error        { return playback.ErrLoadInFlight }
func (p *fakePlayer) Resume(ctx context.Context) error       { return nil }

func (p *fakePlayer) Seek(ctx context.Context, ms int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seeks = append(p.seeks, ms)
	return nil
}

func (p *fakePlayer) SetVolume(ctx context.Context, v float64) error {
	if v < 0 || v > 1 {
		return playback.ErrInvalidVolume
	}
	return nil
}

func (p *fakePlayer) ToggleLoop(ctx context.Context) (types.LoopMode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Loop = p.state.Loop.Next()
	return p.state.Loop, nil
}

func (p *fakePlayer) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Queue = nil
	p.state.CurrentIndex = -1
	return nil
}

type fakeSession struct{ url string }

func (s *fakeSession) Connect(ctx context.Context, rawURL string) error { s.url = rawURL; return nil }
func (s *fakeSession) Disconnect()                                      { s.url = "" }
func (s *fakeSession) SendMessage(text string) error                    { return nil }
func (s *fakeSession) State() session.State {
	if s.url != "" {
		return session.StateAwaitingKey
	}
	return session.StateDisconnected
}
func (s *fakeSession) URL() string         { return s.url }
func (s *fakeSession) HasSessionKey() bool { return false }

type fakeCatalog struct{}

func (fakeCatalog) Search(ctx context.Context, q string) ([]types.Track, error) {
	return []types.Track{{Title: q + " song", Artist: "Band", DurationMillis: 1000}}, nil
}

func setupTestRouter(t *testing.T) (*gin.Engine, *fakePlayer, string) {
	t.Helper()

	store, err := auth.NewClientStore(kv.NewMemory())
	if err != nil {
		t.Fatalf("NewClientStore: %v", err)
	}
	clients := auth.NewClients(store, true)
	token, _, _, err := clients.Pair("test")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}

	player := &fakePlayer{state: playback.State{CurrentIndex: -1, Volume: 1}}
	ctl := control.New(control.Deps{
		Player:  player,
		Session: &fakeSession{},
		Catalog: fakeCatalog{},
		Store:   kv.NewMemory(),
	})
	return SetupRouter(NewAPI(ctl, clients), clients), player, token
}

func do(router *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req, _ = http.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := do(router, "GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestTokenRequired(t *testing.T) {
	router, _, token := setupTestRouter(t)

	if w := do(router, "GET", "/status", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w := do(router, "GET", "/status", "wrong", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad token, got %d", w.Code)
	}
	if w := do(router, "GET", "/status", token, ""); w.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", w.Code)
	}

	req, _ := http.NewRequest("GET", "/queue", nil)
	req.Header.Set(TokenHeader, token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with token header, got %d", w.Code)
	}
}

func TestPairEndpoint(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	if w := do(router, "POST", "/pair", "", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing client_name, got %d", w.Code)
	}

	w := do(router, "POST", "/pair", "", `{"client_name":"panel"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp PairResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Token) != 64 {
		t.Fatalf("unexpected token %q", resp.Token)
	}
	if w := do(router, "GET", "/session", resp.Token, ""); w.Code != http.StatusOK {
		t.Errorf("new token should be accepted, got %d", w.Code)
	}
}

func TestQueueEndpoints(t *testing.T) {
	router, _, token := setupTestRouter(t)

	w := do(router, "POST", "/queue", token, `{"title":"A","artist":"X","duration_ms":1000}`)
	if w.Code != http.StatusOK {
		t.Fatalf("enqueue: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var q QueueResponse
	json.Unmarshal(w.Body.Bytes(), &q)
	if len(q.Items) != 1 || q.CurrentIndex != 0 || q.Loop != "none" {
		t.Errorf("unexpected queue %+v", q)
	}

	if w := do(router, "POST", "/queue", token, `{"artist":"X"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing title, got %d", w.Code)
	}

	w = do(router, "POST", "/play/7", token, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for out of range index, got %d", w.Code)
	}
	var errResp ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &errResp)
	if errResp.Code != "invalid_argument" {
		t.Errorf("expected invalid_argument, got %q", errResp.Code)
	}

	if w := do(router, "POST", "/play/abc", token, ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric index, got %d", w.Code)
	}

	if w := do(router, "DELETE", "/queue", token, ""); w.Code != http.StatusOK {
		t.Errorf("clear: expected 200, got %d", w.Code)
	}
	w = do(router, "GET", "/queue", token, "")
	json.Unmarshal(w.Body.Bytes(), &q)
	if len(q.Items) != 0 || q.CurrentIndex != -1 {
		t.Errorf("expected empty queue, got %+v", q)
	}
}

func TestPlaybackEndpoints(t *testing.T) {
	router, player, token := setupTestRouter(t)

	if w := do(router, "POST", "/pause", token, ""); w.Code != http.StatusConflict {
		t.Errorf("expected 409 while loading, got %d", w.Code)
	}

	if w := do(router, "POST", "/seek", token, `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing position, got %d", w.Code)
	}
	if w := do(router, "POST", "/seek", token, `{"position_ms":0}`); w.Code != http.StatusOK {
		t.Errorf("seek to 0: expected 200, got %d", w.Code)
	}
	if len(player.seeks) != 1 || player.seeks[0] != 0 {
		t.Errorf("unexpected seeks %v", player.seeks)
	}

	if w := do(router, "POST", "/volume", token, `{"level":1.5}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid volume, got %d", w.Code)
	}

	w := do(router, "POST", "/loop", token, "")
	var loop map[string]string
	json.Unmarshal(w.Body.Bytes(), &loop)
	if loop["loop"] != "all" {
		t.Errorf("expected loop all, got %v", loop)
	}
}

func TestSearchEndpoint(t *testing.T) {
	router, _, token := setupTestRouter(t)

	if w := do(router, "GET", "/search", token, ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty query, got %d", w.Code)
	}

	w := do(router, "GET", "/search?q=rock", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp SearchResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 || resp.Results[0].Title != "rock song" {
		t.Errorf("unexpected search response %+v", resp)
	}
}

func TestSessionEndpoints(t *testing.T) {
	router, _, token := setupTestRouter(t)

	w := do(router, "POST", "/session/connect", token, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a server, got %d", w.Code)
	}

	w = do(router, "POST", "/session/connect", token, `{"url":"music.example:8080"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("connect: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var st control.SessionStatus
	json.Unmarshal(w.Body.Bytes(), &st)
	if st.ServerURL != "ws://music.example:8080" || st.State != session.StateAwaitingKey {
		t.Errorf("unexpected session %+v", st)
	}

	w = do(router, "POST", "/session/disconnect", token, "")
	json.Unmarshal(w.Body.Bytes(), &st)
	if st.State != session.StateDisconnected {
		t.Errorf("expected disconnected, got %v", st.State)
	}

	if w := do(router, "POST", "/session/login", token, `{"username":"a"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing password, got %d", w.Code)
	}
}

func TestAdminRequiresAdmin(t *testing.T) {
	router, _, token := setupTestRouter(t)

	w := do(router, "POST", "/admin/stats", token, "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 without an admin service, got %d", w.Code)
	}
	if w := do(router, "POST", "/admin/stats", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
}
