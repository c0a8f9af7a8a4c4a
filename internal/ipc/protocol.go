// Package ipc serves the daemon over a unix socket using newline-delimited
// JSON requests and responses.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/audara/audarad/internal/types"
)

// CommandType represents the type of command
type CommandType string

const (
	CmdPair   CommandType = "pair"
	CmdStatus CommandType = "status"

	// Queue and playback
	CmdEnqueue    CommandType = "enqueue"
	CmdPlayAt     CommandType = "playAt"
	CmdNext       CommandType = "next"
	CmdPrevious   CommandType = "previous"
	CmdPause      CommandType = "pause"
	CmdResume     CommandType = "resume"
	CmdSeek       CommandType = "seek"
	CmdSetVolume  CommandType = "setVolume"
	CmdToggleLoop CommandType = "toggleLoop"
	CmdClear      CommandType = "clear"

	// Backend session
	CmdConnect    CommandType = "connect"
	CmdDisconnect CommandType = "disconnect"
	CmdLogin      CommandType = "login"
	CmdLogout     CommandType = "logout"
	CmdSend       CommandType = "send"

	CmdSearch        CommandType = "search"
	CmdPlaylists     CommandType = "playlists"
	CmdPlaylistSongs CommandType = "playlistSongs"
	CmdPlayPlaylist  CommandType = "playPlaylist"
	CmdAdmin         CommandType = "admin"

	// State push subscription
	CmdSubscribe   CommandType = "subscribe"
	CmdUnsubscribe CommandType = "unsubscribe"
)

// Push message types
const (
	PushState   = "state"
	PushSession = "session"
)

// PushMessage represents a server-initiated message (no request needed)
type PushMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Request represents a client request
type Request struct {
	Cmd   CommandType     `json:"cmd"`
	Token string          `json:"token,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Response represents a server response
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// PairRequest is the data for a pair command
type PairRequest struct {
	ClientName string `json:"clientName"`
}

// PairResponse is the response to a pair command
type PairResponse struct {
	Token            string `json:"token"`
	ClientID         string `json:"clientId"`
	RequiresApproval bool   `json:"requiresApproval"`
}

// EnqueueRequest is the data for an enqueue command. A track without a
// stream URL is resolved through the backend first.
type EnqueueRequest struct {
	types.Track
}

// IndexRequest is the data for a playAt command
type IndexRequest struct {
	Index int `json:"index"`
}

// SeekRequest is the data for a seek command
type SeekRequest struct {
	Position int64 `json:"position"` // milliseconds
}

// VolumeRequest is the data for a setVolume command
type VolumeRequest struct {
	Level float64 `json:"level"` // 0.0 - 1.0
}

// LoopResponse is the response to toggleLoop
type LoopResponse struct {
	Loop types.LoopMode `json:"loop"`
}

// ConnectRequest is the data for a connect command. An empty URL reconnects
// to the last server.
type ConnectRequest struct {
	URL string `json:"url"`
}

// LoginRequest is the data for a login command
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SendRequest is the data for a send command
type SendRequest struct {
	Text string `json:"text"`
}

// SearchRequest is the data for a search command
type SearchRequest struct {
	Query string `json:"query"`
}

// PlaylistRequest is the data for playlistSongs and playPlaylist
type PlaylistRequest struct {
	ID string `json:"id"`
}

// PlayPlaylistResponse is the response to playPlaylist
type PlayPlaylistResponse struct {
	Enqueued int `json:"enqueued"`
}

// EncodeRequest encodes a request to JSON
func EncodeRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeRequest decodes a request from JSON
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// EncodeResponse encodes a response to JSON
func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse decodes a response from JSON
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data interface{}) (*Response, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return &Response{
		Success: true,
		Data:    rawData,
	}, nil
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
	}
}

// NewPushMessage creates a push message
func NewPushMessage(msgType string, data interface{}) ([]byte, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(PushMessage{
		Type: msgType,
		Data: rawData,
	})
}
