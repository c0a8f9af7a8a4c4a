// Package auth handles backend login and the pairing of local control clients.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/audara/audarad/internal/kv"
)

var log = logging.Logger("auth")

const (
	tokenBytes      = 32 // 256-bit tokens
	maxAuthFailures = 5
	lockoutDuration = 60 * time.Second
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrUnauthorized   = errors.New("unauthorized")
)

// StoredClient is a paired client as persisted
type StoredClient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TokenHash string    `json:"tokenHash"` // SHA-256 hash of token
	CreatedAt time.Time `json:"createdAt"`
}

// ClientInfo contains information about a registered client
type ClientInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// ClientStore persists paired clients in the key-value store
type ClientStore struct {
	kv      kv.Store
	mu      sync.RWMutex
	clients map[string]*StoredClient // clientID -> client
}

// NewClientStore loads paired clients from store
func NewClientStore(store kv.Store) (*ClientStore, error) {
	s := &ClientStore{
		kv:      store,
		clients: make(map[string]*StoredClient),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load clients: %w", err)
	}
	return s, nil
}

// AddClient adds a new client
func (s *ClientStore) AddClient(clientID, name, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[clientID] = &StoredClient{
		ID:        clientID,
		Name:      name,
		TokenHash: HashToken(token),
		CreatedAt: time.Now(),
	}
	return s.saveLocked()
}

// RemoveClient removes a client
func (s *ClientStore) RemoveClient(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[clientID]; !exists {
		return ErrClientNotFound
	}
	delete(s.clients, clientID)
	return s.saveLocked()
}

// GetClientByToken returns the client associated with a token
func (s *ClientStore) GetClientByToken(token string) (*StoredClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokenHash := HashToken(token)
	for _, client := range s.clients {
		if client.TokenHash == tokenHash {
			return client, nil
		}
	}
	return nil, ErrClientNotFound
}

// ListClients returns all paired clients
func (s *ClientStore) ListClients() []ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]ClientInfo, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, ClientInfo{
			ID:        client.ID,
			Name:      client.Name,
			CreatedAt: client.CreatedAt,
		})
	}
	return clients
}

func (s *ClientStore) load() error {
	data, ok, err := s.kv.Get(kv.KeyLocalClients)
	if err != nil || !ok {
		return err
	}

	var stored []*StoredClient
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return fmt.Errorf("failed to parse clients: %w", err)
	}
	for _, client := range stored {
		s.clients[client.ID] = client
	}
	return nil
}

func (s *ClientStore) saveLocked() error {
	clients := make([]*StoredClient, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	data, err := json.Marshal(clients)
	if err != nil {
		return fmt.Errorf("failed to marshal clients: %w", err)
	}
	return s.kv.Set(kv.KeyLocalClients, string(data))
}

// Clients authenticates the local control surfaces (IPC socket, HTTP API).
// Clients pair once and present the returned token on every request.
type Clients struct {
	store    *ClientStore
	testMode bool
	notify   func(clientName string) error

	mu           sync.RWMutex
	authFailures map[string]int       // remote -> failure count
	lockouts     map[string]time.Time // remote -> lockout end time
}

// NewClients creates the client authenticator. In test mode pairing skips
// the desktop notification.
func NewClients(store *ClientStore, testMode bool) *Clients {
	return &Clients{
		store:        store,
		testMode:     testMode,
		notify:       ShowPairingNotification,
		authFailures: make(map[string]int),
		lockouts:     make(map[string]time.Time),
	}
}

// Pair registers a client and returns its token and id. requiresApproval is
// true when the user was notified of the new client.
func (c *Clients) Pair(clientName string) (token, clientID string, requiresApproval bool, err error) {
	clientID = generateClientID()
	token, err = generateToken()
	if err != nil {
		return "", "", false, fmt.Errorf("failed to generate token: %w", err)
	}

	if !c.testMode {
		if err := c.notify(clientName); err != nil {
			log.Warnf("pairing notification failed: %v", err)
		}
		requiresApproval = true
	}

	if err := c.store.AddClient(clientID, clientName, token); err != nil {
		return "", "", false, fmt.Errorf("failed to store client: %w", err)
	}
	log.Infof("paired client %q (%s)", clientName, clientID)
	return token, clientID, requiresApproval, nil
}

// ValidateToken checks if a token belongs to a paired client
func (c *Clients) ValidateToken(token string) bool {
	if token == "" {
		return false
	}
	_, err := c.store.GetClientByToken(token)
	return err == nil
}

// RecordAuthFailure counts a failed attempt and locks the remote out after
// repeated failures.
func (c *Clients) RecordAuthFailure(remote string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.authFailures[remote]++
	if c.authFailures[remote] >= maxAuthFailures {
		c.lockouts[remote] = time.Now().Add(lockoutDuration)
		c.authFailures[remote] = 0
		log.Warnf("locking out %s for %s", remote, lockoutDuration)
	}
}

// IsLockedOut checks if a remote is locked out
func (c *Clients) IsLockedOut(remote string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	lockoutEnd, exists := c.lockouts[remote]
	if !exists {
		return false
	}
	if time.Now().After(lockoutEnd) {
		delete(c.lockouts, remote)
		return false
	}
	return true
}

// Revoke removes a client's access
func (c *Clients) Revoke(clientID string) error {
	return c.store.RemoveClient(clientID)
}

// List returns all paired clients
func (c *Clients) List() []ClientInfo {
	return c.store.ListClients()
}

func generateToken() (string, error) {
	bytes := make([]byte, tokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// HashToken creates a SHA-256 hash of a token for storage
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
