// Package services wraps the playlist and admin actions of the backend.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/audara/audarad/internal/protocol"
	"github.com/audara/audarad/internal/session"
)

var log = logging.Logger("services")

// DefaultTimeout applies to requests whose context has no deadline
const DefaultTimeout = 15 * time.Second

// Sender is the part of the session channel the services need.
type Sender interface {
	SendEncryptedMessage(v interface{}) error
	AddMessageListener(action protocol.Action, fn func(protocol.Message)) session.ListenerID
	RemoveMessageListener(action protocol.Action, id session.ListenerID)
}

// Request sends action with payload and waits for the first message carrying
// the same action. Responses reporting failure are returned as
// *protocol.ServerError.
func Request(ctx context.Context, s Sender, action protocol.Action, payload map[string]interface{}) (protocol.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	resp := make(chan protocol.Message, 1)
	id := s.AddMessageListener(action, func(msg protocol.Message) {
		select {
		case resp <- msg:
		default:
		}
	})
	defer s.RemoveMessageListener(action, id)

	log.Debugf("sending %s", action)
	if err := s.SendEncryptedMessage(protocol.NewRequest(action, payload)); err != nil {
		return protocol.Message{}, fmt.Errorf("send %s: %w", action, err)
	}

	select {
	case msg := <-resp:
		if err := msg.Err(); err != nil {
			log.Warnf("%v", err)
			return msg, err
		}
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, fmt.Errorf("waiting for %s: %w", action, ctx.Err())
	}
}

// call runs Request and returns the raw response body
func call(ctx context.Context, s Sender, action protocol.Action, payload map[string]interface{}) (json.RawMessage, error) {
	msg, err := Request(ctx, s, action, payload)
	if err != nil {
		return nil, err
	}
	return msg.Raw, nil
}
