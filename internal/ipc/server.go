package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/audara/audarad/internal/auth"
	"github.com/audara/audarad/internal/control"
)

var log = logging.Logger("ipc")

// Server handles IPC communication with clients
type Server struct {
	socketPath string
	clients    *auth.Clients
	ctl        *control.Controller

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]*client
	nextID   int
	ready    chan struct{}

	// pending session push; one slot, so bursts coalesce
	sessionPush chan struct{}
}

type client struct {
	id   string
	conn net.Conn

	writeMu    sync.Mutex
	subscribed bool // guarded by Server.mu
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write(append(data, '\n'))
	return err
}

// NewServer creates a new IPC server
func NewServer(socketPath string, clients *auth.Clients, ctl *control.Controller) *Server {
	return &Server{
		socketPath: socketPath,
		clients:    clients,
		ctl:        ctl,
		conns:      make(map[net.Conn]*client),
		ready:      make(chan struct{}),

		sessionPush: make(chan struct{}, 1),
	}
}

// Ready is closed once the socket accepts connections
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Start listens on the socket and serves clients until ctx is done
func (s *Server) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	// user-only
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	log.Infof("listening on %s", s.socketPath)
	go s.acceptLoop(ctx)
	go s.pushStates(ctx)
	go s.pushSessions(ctx)
	close(s.ready)

	<-ctx.Done()

	s.mu.Lock()
	clientCount := len(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	listener.Close()
	os.RemoveAll(s.socketPath)
	log.Infof("stopped, closed %d client connections", clientCount)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnf("accept error: %v", err)
			continue
		}

		s.mu.Lock()
		s.nextID++
		c := &client{id: fmt.Sprintf("conn-%d", s.nextID), conn: conn}
		s.conns[conn] = c
		clientCount := len(s.conns)
		s.mu.Unlock()

		log.Debugf("client %s connected (%d active)", c.id, clientCount)
		go s.handleConnection(ctx, c)
	}
}

func (s *Server) handleConnection(ctx context.Context, c *client) {
	defer func() {
		c.conn.Close()
		s.mu.Lock()
		delete(s.conns, c.conn)
		clientCount := len(s.conns)
		s.mu.Unlock()
		log.Debugf("client %s disconnected (%d active)", c.id, clientCount)
	}()

	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Debugf("read error from %s: %v", c.id, err)
			}
			return
		}

		req, err := DecodeRequest(line)
		if err != nil {
			log.Warnf("invalid request from %s: %v", c.id, err)
			if err := c.write(mustEncode(NewErrorResponse("invalid request format"))); err != nil {
				return
			}
			continue
		}

		start := time.Now()
		RequestLogger(req)
		resp := s.handleRequest(ctx, c, req)
		ResponseLogger(req, resp, time.Since(start))

		if err := c.write(mustEncode(resp)); err != nil {
			log.Debugf("send error to %s: %v", c.id, err)
			return
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, c *client, req *Request) *Response {
	// Pair command doesn't require authentication
	if req.Cmd == CmdPair {
		return s.handlePair(req)
	}

	if s.clients.IsLockedOut(c.id) {
		return NewErrorResponse("too many failed attempts")
	}
	if !s.clients.ValidateToken(req.Token) {
		s.clients.RecordAuthFailure(c.id)
		return NewErrorResponse(auth.ErrUnauthorized.Error())
	}

	switch req.Cmd {
	case CmdStatus:
		return success(s.ctl.Status())
	case CmdSubscribe, CmdUnsubscribe:
		s.mu.Lock()
		c.subscribed = req.Cmd == CmdSubscribe
		s.mu.Unlock()
		if req.Cmd == CmdSubscribe {
			return success(s.ctl.Status())
		}
		return success(nil)

	case CmdEnqueue:
		var data EnqueueRequest
		if r := decode(req, &data); r != nil {
			return r
		}
		return result(nil, s.ctl.Enqueue(ctx, data.Track))
	case CmdPlayAt:
		var data IndexRequest
		if r := decode(req, &data); r != nil {
			return r
		}
		return result(nil, s.ctl.Player.PlayAt(ctx, data.Index))
	case CmdNext:
		return result(nil, s.ctl.Player.PlayNext(ctx))
	case CmdPrevious:
		return result(nil, s.ctl.Player.PlayPrevious(ctx))
	case CmdPause:
		return result(nil, s.ctl.Player.Pause(ctx))
	case CmdResume:
		return result(nil, s.ctl.Player.Resume(ctx))
	case CmdSeek:
		var data SeekRequest
		if r := decode(req, &data); r != nil {
			return r
		}
		return result(nil, s.ctl.Player.Seek(ctx, data.Position))
	case CmdSetVolume:
		var data VolumeRequest
		if r := decode(req, &data); r != nil {
			return r
		}
		return result(nil, s.ctl.Player.SetVolume(ctx, data.Level))
	case CmdToggleLoop:
		mode, err := s.ctl.ToggleLoop(ctx)
		return result(LoopResponse{Loop: mode}, err)
	case CmdClear:
		return result(nil, s.ctl.Player.Clear(ctx))

	case CmdConnect:
		var data ConnectRequest
		if r := decode(req, &data); r != nil {
			return r
		}
		if err := s.ctl.Connect(ctx, data.URL); err != nil {
			return failure(err)
		}
		return success(s.ctl.SessionStatus())
	case CmdDisconnect:
		s.ctl.Disconnect()
		return success(s.ctl.SessionStatus())
	case CmdLogin:
		var data LoginRequest
		if r := decode(req, &data); r != nil {
			return r
		}
		if err := s.ctl.Login(ctx, data.Username, data.Password); err != nil {
			return failure(err)
		}
		return success(s.ctl.SessionStatus())
	case CmdLogout:
		return result(nil, s.ctl.Logout())
	case CmdSend:
		var data SendRequest
		if r := decode(req, &data); r != nil {
			return r
		}
		return result(nil, s.ctl.Send(data.Text))

	case CmdSearch:
		var data SearchRequest
		if r := decode(req, &data); r != nil {
			return r
		}
		tracks, err := s.ctl.Search(ctx, data.Query)
		return result(tracks, err)
	case CmdPlaylists:
		playlists, err := s.ctl.ListPlaylists(ctx)
		return result(playlists, err)
	case CmdPlaylistSongs:
		var data PlaylistRequest
		if r := decode(req, &data); r != nil {
			return r
		}
		songs, err := s.ctl.PlaylistSongs(ctx, data.ID)
		return result(songs, err)
	case CmdPlayPlaylist:
		var data PlaylistRequest
		if r := decode(req, &data); r != nil {
			return r
		}
		n, err := s.ctl.PlayPlaylist(ctx, data.ID)
		return result(PlayPlaylistResponse{Enqueued: n}, err)
	case CmdAdmin:
		var data control.AdminRequest
		if r := decode(req, &data); r != nil {
			return r
		}
		out, err := s.ctl.RunAdmin(ctx, data)
		return result(out, err)
	default:
		return NewErrorResponse("unknown command")
	}
}

func (s *Server) handlePair(req *Request) *Response {
	var pairReq PairRequest
	if r := decode(req, &pairReq); r != nil {
		return r
	}

	token, clientID, requiresApproval, err := s.clients.Pair(pairReq.ClientName)
	if err != nil {
		log.Warnf("pairing failed: %v", err)
		return NewErrorResponse(err.Error())
	}

	return success(PairResponse{
		Token:            token,
		ClientID:         clientID,
		RequiresApproval: requiresApproval,
	})
}

// pushStates forwards player snapshots to subscribed clients
func (s *Server) pushStates(ctx context.Context) {
	states, cancel := s.ctl.Player.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			s.Broadcast(PushState, st)
		}
	}
}

// PushSession schedules a session status push to subscribed clients. It never
// blocks, so it is safe to call from the session's read goroutine.
func (s *Server) PushSession() {
	select {
	case s.sessionPush <- struct{}{}:
	default:
	}
}

// pushSessions sends the session status read at send time, so a coalesced
// push still carries the latest state
func (s *Server) pushSessions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.sessionPush:
			s.Broadcast(PushSession, s.ctl.SessionStatus())
		}
	}
}

// Broadcast sends a push message to every subscribed client
func (s *Server) Broadcast(msgType string, data interface{}) {
	msg, err := NewPushMessage(msgType, data)
	if err != nil {
		log.Warnf("encode %s push: %v", msgType, err)
		return
	}

	s.mu.Lock()
	var targets []*client
	for _, c := range s.conns {
		if c.subscribed {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.write(msg); err != nil {
			log.Debugf("push to %s failed: %v", c.id, err)
			c.conn.Close()
		}
	}
}

func success(data interface{}) *Response {
	resp, err := NewSuccessResponse(data)
	if err != nil {
		return NewErrorResponse("internal error")
	}
	return resp
}

func failure(err error) *Response {
	resp := NewErrorResponse(err.Error())
	resp.Code = control.ErrorCode(err)
	return resp
}

func result(data interface{}, err error) *Response {
	if err != nil {
		return failure(err)
	}
	return success(data)
}

func mustEncode(resp *Response) []byte {
	data, err := EncodeResponse(resp)
	if err != nil {
		data, _ = json.Marshal(NewErrorResponse("internal error"))
	}
	return data
}
