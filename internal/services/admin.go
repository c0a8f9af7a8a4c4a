package services

import (
	"context"
	"encoding/json"

	"github.com/audara/audarad/internal/kv"
	"github.com/audara/audarad/internal/protocol"
)

const (
	// DefaultBanReason is sent when no reason is given
	DefaultBanReason = "No reason provided"
	// DefaultLogLimit is the number of log lines requested by default
	DefaultLogLimit = 100
)

// Admin sends administrative actions. Responses are returned undecoded.
type Admin struct {
	sender Sender
	store  kv.Store
}

// NewAdmin creates the admin service. The store supplies the logged-in username.
func NewAdmin(sender Sender, store kv.Store) *Admin {
	return &Admin{sender: sender, store: store}
}

func (a *Admin) username() string {
	if a.store == nil {
		return ""
	}
	name, _, err := a.store.Get(kv.KeyUsername)
	if err != nil {
		log.Warnf("read username: %v", err)
	}
	return name
}

// Stats returns server statistics
func (a *Admin) Stats(ctx context.Context) (json.RawMessage, error) {
	return call(ctx, a.sender, protocol.ActionAdminStats, map[string]interface{}{
		"username": a.username(),
	})
}

// Users returns the user list
func (a *Admin) Users(ctx context.Context) (json.RawMessage, error) {
	return call(ctx, a.sender, protocol.ActionGetUserList, map[string]interface{}{
		"username": a.username(),
	})
}

// CreateUser creates an account
func (a *Admin) CreateUser(ctx context.Context, username, password string, isAdmin bool) (json.RawMessage, error) {
	return call(ctx, a.sender, protocol.ActionCreateUser, map[string]interface{}{
		"username": username,
		"password": password,
		"is_admin": isAdmin,
	})
}

// Ban bans a user
func (a *Admin) Ban(ctx context.Context, userID, reason string) (json.RawMessage, error) {
	if reason == "" {
		reason = DefaultBanReason
	}
	return call(ctx, a.sender, protocol.ActionBanUser, map[string]interface{}{
		"user_id": userID,
		"reason":  reason,
	})
}

// Unban lifts a ban
func (a *Admin) Unban(ctx context.Context, userID string) (json.RawMessage, error) {
	return a.userAction(ctx, protocol.ActionUnbanUser, userID)
}

// Promote grants admin rights
func (a *Admin) Promote(ctx context.Context, userID string) (json.RawMessage, error) {
	return a.userAction(ctx, protocol.ActionPromoteUser, userID)
}

// Demote revokes admin rights
func (a *Admin) Demote(ctx context.Context, userID string) (json.RawMessage, error) {
	return a.userAction(ctx, protocol.ActionDemoteUser, userID)
}

func (a *Admin) userAction(ctx context.Context, action protocol.Action, userID string) (json.RawMessage, error) {
	return call(ctx, a.sender, action, map[string]interface{}{"user_id": userID})
}

// SystemLogs returns up to limit log lines; limit <= 0 means DefaultLogLimit.
func (a *Admin) SystemLogs(ctx context.Context, limit int) (json.RawMessage, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return call(ctx, a.sender, protocol.ActionGetSystemLogs, map[string]interface{}{"limit": limit})
}

func (a *Admin) RestartServer(ctx context.Context) (json.RawMessage, error) {
	return call(ctx, a.sender, protocol.ActionRestartServer, nil)
}

func (a *Admin) BackupDatabase(ctx context.Context) (json.RawMessage, error) {
	return call(ctx, a.sender, protocol.ActionBackupDatabase, nil)
}

func (a *Admin) RestoreDatabase(ctx context.Context, backupID string) (json.RawMessage, error) {
	return call(ctx, a.sender, protocol.ActionRestoreDatabase, map[string]interface{}{"backup_id": backupID})
}
