// Package protocol defines the wire messages exchanged with the Audara backend.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action identifies a server message kind. The set is closed: names the
// client does not know are mapped to ActionUnknown.
type Action int

const (
	// ActionDefault is used for messages that carry no action field.
	ActionDefault Action = iota
	// ActionUnknown catches actions this client does not recognise.
	ActionUnknown

	ActionLogin
	ActionHeartbeat
	ActionStreamSong
	ActionCheckAdmin

	// Playlist actions
	ActionCreatePlaylist
	ActionGetPlaylists
	ActionGetPlaylistSongs
	ActionAddSongToPlaylist
	ActionRemoveSongFromPlaylist
	ActionDeletePlaylist
	ActionPlayPlaylist

	// Admin actions
	ActionAdminStats
	ActionGetUserList
	ActionCreateUser
	ActionBanUser
	ActionUnbanUser
	ActionPromoteUser
	ActionDemoteUser
	ActionGetSystemLogs
	ActionRestartServer
	ActionBackupDatabase
	ActionRestoreDatabase
)

// String returns the wire name of the action
func (a Action) String() string {
	switch a {
	case ActionDefault:
		return "default"
	case ActionLogin:
		return "login"
	case ActionHeartbeat:
		return "heartbeat"
	case ActionStreamSong:
		return "stream-song"
	case ActionCheckAdmin:
		return "check_admin"
	case ActionCreatePlaylist:
		return "create_playlist"
	case ActionGetPlaylists:
		return "get_playlists"
	case ActionGetPlaylistSongs:
		return "get_playlist_songs"
	case ActionAddSongToPlaylist:
		return "add_song_to_playlist"
	case ActionRemoveSongFromPlaylist:
		return "remove_song_from_playlist"
	case ActionDeletePlaylist:
		return "delete_playlist"
	case ActionPlayPlaylist:
		return "play_playlist"
	case ActionAdminStats:
		return "admin_stats"
	case ActionGetUserList:
		return "get_user_list"
	case ActionCreateUser:
		return "create_user"
	case ActionBanUser:
		return "ban_user"
	case ActionUnbanUser:
		return "unban_user"
	case ActionPromoteUser:
		return "promote_user"
	case ActionDemoteUser:
		return "demote_user"
	case ActionGetSystemLogs:
		return "get_system_logs"
	case ActionRestartServer:
		return "restart_server"
	case ActionBackupDatabase:
		return "backup_database"
	case ActionRestoreDatabase:
		return "restore_database"
	default:
		return "unknown"
	}
}

// ParseAction maps a wire name to an Action. An empty name is ActionDefault.
func ParseAction(s string) Action {
	switch s {
	case "", "default":
		return ActionDefault
	case "login":
		return ActionLogin
	case "heartbeat":
		return ActionHeartbeat
	case "stream-song":
		return ActionStreamSong
	case "check_admin":
		return ActionCheckAdmin
	case "create_playlist":
		return ActionCreatePlaylist
	case "get_playlists":
		return ActionGetPlaylists
	case "get_playlist_songs":
		return ActionGetPlaylistSongs
	case "add_song_to_playlist":
		return ActionAddSongToPlaylist
	case "remove_song_from_playlist":
		return ActionRemoveSongFromPlaylist
	case "delete_playlist":
		return ActionDeletePlaylist
	case "play_playlist":
		return ActionPlayPlaylist
	case "admin_stats":
		return ActionAdminStats
	case "get_user_list":
		return ActionGetUserList
	case "create_user":
		return ActionCreateUser
	case "ban_user":
		return ActionBanUser
	case "unban_user":
		return ActionUnbanUser
	case "promote_user":
		return ActionPromoteUser
	case "demote_user":
		return ActionDemoteUser
	case "get_system_logs":
		return ActionGetSystemLogs
	case "restart_server":
		return ActionRestartServer
	case "backup_database":
		return ActionBackupDatabase
	case "restore_database":
		return ActionRestoreDatabase
	default:
		return ActionUnknown
	}
}

// MarshalText implements encoding.TextMarshaler
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Message is a decoded, dispatchable server message.
type Message struct {
	Action Action
	// Name is the action as sent on the wire, kept so unknown actions stay inspectable.
	Name string
	Raw  json.RawMessage
}

// ErrNotObject is returned when a payload is not a JSON object.
var ErrNotObject = errors.New("message is not a JSON object")

// ParseMessage decodes a plaintext JSON object into a Message.
func ParseMessage(data []byte) (Message, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return Message{}, ErrNotObject
	}
	name := ""
	if v, ok := obj["action"]; ok {
		if err := json.Unmarshal(v, &name); err != nil {
			return Message{}, fmt.Errorf("invalid action field: %w", err)
		}
	}
	return Message{
		Action: ParseAction(name),
		Name:   name,
		Raw:    append(json.RawMessage(nil), data...),
	}, nil
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Raw, v)
}

// Status is the common success/error shape of server responses.
type Status struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServerError is a failure reported by the backend in a response payload.
type ServerError struct {
	Action string
	Reason string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Action, e.Reason)
}

// Err returns a *ServerError when the message reports failure.
func (m Message) Err() error {
	var st Status
	if err := m.Decode(&st); err != nil {
		return nil
	}
	if st.Error != "" {
		return &ServerError{Action: m.Name, Reason: st.Error}
	}
	if st.Success != nil && !*st.Success {
		reason := st.Message
		if reason == "" {
			reason = "request rejected"
		}
		return &ServerError{Action: m.Name, Reason: reason}
	}
	return nil
}

// Request is an outgoing action with an arbitrary payload merged at the top level.
type Request struct {
	Action  Action
	Payload map[string]interface{}
}

// MarshalJSON flattens the payload next to the action field.
func (r Request) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Payload)+1)
	for k, v := range r.Payload {
		out[k] = v
	}
	out["action"] = r.Action.String()
	return json.Marshal(out)
}

// NewRequest builds a Request
func NewRequest(action Action, payload map[string]interface{}) Request {
	return Request{Action: action, Payload: payload}
}
