package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/audara/audarad/internal/kv"
	"github.com/audara/audarad/internal/protocol"
	"github.com/audara/audarad/internal/services"
	"github.com/audara/audarad/internal/session"
)

const autologinTimeout = 15 * time.Second

// Login manages the backend account: login, cached credentials and the
// admin flag.
type Login struct {
	sender    services.Sender
	store     kv.Store
	autologin bool

	mu       sync.Mutex
	loggedIn bool
	username string
	isAdmin  bool
}

// NewLogin creates the login manager. With autologin set, cached credentials
// are replayed whenever a session key arrives.
func NewLogin(sender services.Sender, store kv.Store, autologin bool) *Login {
	l := &Login{sender: sender, store: store, autologin: autologin}
	if v, ok, _ := store.Get(kv.KeyIsAdmin); ok {
		l.isAdmin, _ = strconv.ParseBool(v)
	}
	if v, ok, _ := store.Get(kv.KeyUsername); ok {
		l.username = v
	}
	return l
}

// Login sends the credentials and caches them on success. A rejected login
// clears the cache.
func (l *Login) Login(ctx context.Context, username, password string) error {
	msg, err := services.Request(ctx, l.sender, protocol.ActionLogin, map[string]interface{}{
		"username": username,
		"password": password,
	})
	if err != nil {
		var serr *protocol.ServerError
		if errors.As(err, &serr) {
			log.Warnf("login for %q rejected: %s", username, serr.Reason)
			l.forget()
		}
		return err
	}

	var resp protocol.LoginResponse
	if err := msg.Decode(&resp); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}

	if err := l.store.Set(kv.KeyUsername, username); err != nil {
		return fmt.Errorf("cache username: %w", err)
	}
	if err := l.store.Set(kv.KeyPassword, password); err != nil {
		return fmt.Errorf("cache password: %w", err)
	}

	l.mu.Lock()
	l.loggedIn = true
	l.username = username
	l.mu.Unlock()
	log.Infof("logged in as %q", username)
	return nil
}

// Logout forgets the cached credentials and admin flag
func (l *Login) Logout() error {
	l.forget()
	return nil
}

func (l *Login) forget() {
	if err := l.store.Remove(kv.KeyUsername, kv.KeyPassword, kv.KeyIsAdmin); err != nil {
		log.Warnf("clear credentials: %v", err)
	}
	l.mu.Lock()
	l.loggedIn = false
	l.username = ""
	l.isAdmin = false
	l.mu.Unlock()
}

// CheckAdmin asks the server whether the account is an admin and caches it
func (l *Login) CheckAdmin(ctx context.Context) (bool, error) {
	msg, err := services.Request(ctx, l.sender, protocol.ActionCheckAdmin, nil)
	if err != nil {
		return false, err
	}
	var resp protocol.AdminCheckResponse
	if err := msg.Decode(&resp); err != nil {
		return false, fmt.Errorf("decode admin check: %w", err)
	}
	if err := l.store.Set(kv.KeyIsAdmin, strconv.FormatBool(resp.IsAdmin)); err != nil {
		log.Warnf("cache admin flag: %v", err)
	}

	l.mu.Lock()
	l.isAdmin = resp.IsAdmin
	l.mu.Unlock()
	return resp.IsAdmin, nil
}

// Status reports the login state
func (l *Login) Status() (loggedIn bool, username string, isAdmin bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loggedIn, l.username, l.isAdmin
}

// OnState follows the session: a new session key triggers autologin and a
// dropped session ends the login.
func (l *Login) OnState(state session.State) {
	switch state {
	case session.StateConnected:
		if l.autologin {
			go l.replay()
		}
	case session.StateDisconnected:
		l.mu.Lock()
		l.loggedIn = false
		l.mu.Unlock()
	}
}

func (l *Login) replay() {
	username, ok, err := l.store.Get(kv.KeyUsername)
	if err != nil || !ok || username == "" {
		return
	}
	password, ok, err := l.store.Get(kv.KeyPassword)
	if err != nil || !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), autologinTimeout)
	defer cancel()

	log.Infof("logging in again as %q", username)
	if err := l.Login(ctx, username, password); err != nil {
		log.Warnf("autologin failed: %v", err)
		return
	}
	if _, err := l.CheckAdmin(ctx); err != nil {
		log.Warnf("admin check failed: %v", err)
	}
}
