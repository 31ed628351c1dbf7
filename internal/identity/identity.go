// Package identity persists the local user's name and the name of the peer
// currently being chatted with.
package identity

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Storage keys. Absence of a key means the field is unset.
const (
	KeyLocalName = "identity/local_name"
	KeyPeerName  = "identity/peer_name"
)

// Navigation-context parameters.
const (
	ParamPeer     = "peer"
	ParamChatWith = "chatWith"
	ParamChatPeer = "chatpeer"
)

// Identity is the local user's name plus the chosen peer's name.
type Identity struct {
	LocalName string
	PeerName  string
}

// IsZero reports whether no local name has been chosen.
func (i Identity) IsZero() bool {
	return i.LocalName == ""
}

// HasPeer reports whether both names are set.
func (i Identity) HasPeer() bool {
	return i.LocalName != "" && i.PeerName != ""
}

// KV is the durable string storage the identity is kept in.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// Store owns the identity. Reads are safe from any goroutine.
type Store struct {
	kv      KV
	mu      sync.RWMutex
	current Identity
}

// NewStore creates a Store over kv. Call Load before reading Current.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// Load initializes the identity. When nav carries a non-empty peer parameter
// it supersedes storage entirely; otherwise the persisted keys are used.
// Load never writes to storage.
func (s *Store) Load(nav url.Values) (Identity, error) {
	var id Identity

	if local := nav.Get(ParamPeer); local != "" {
		id.LocalName = local
		id.PeerName = nav.Get(ParamChatWith)
		if id.PeerName == "" {
			id.PeerName = nav.Get(ParamChatPeer)
		}
	} else {
		var err error
		if id.LocalName, _, err = s.kv.Get(KeyLocalName); err != nil {
			return Identity{}, fmt.Errorf("failed to load identity: %w", err)
		}
		if id.PeerName, _, err = s.kv.Get(KeyPeerName); err != nil {
			return Identity{}, fmt.Errorf("failed to load identity: %w", err)
		}
	}

	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
	return id, nil
}

// Current returns the in-memory identity.
func (s *Store) Current() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Save persists both fields. An empty field removes its key.
func (s *Store) Save(id Identity) error {
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()

	if err := s.put(KeyLocalName, id.LocalName); err != nil {
		return err
	}
	return s.put(KeyPeerName, id.PeerName)
}

// Clear removes both keys and resets the in-memory identity.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.current = Identity{}
	s.mu.Unlock()

	if err := s.kv.Delete(KeyLocalName); err != nil {
		return fmt.Errorf("failed to clear identity: %w", err)
	}
	if err := s.kv.Delete(KeyPeerName); err != nil {
		return fmt.Errorf("failed to clear identity: %w", err)
	}
	return nil
}

func (s *Store) put(key, value string) error {
	var err error
	if value == "" {
		err = s.kv.Delete(key)
	} else {
		err = s.kv.Set(key, value)
	}
	if err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// ParseInvite turns an invite link into a navigation context. It accepts a
// full URL (peerchat://join?peer=A&chatWith=B), a query string with or
// without the leading '?', or an empty string.
func ParseInvite(link string) (url.Values, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return url.Values{}, nil
	}

	query := link
	if i := strings.IndexByte(link, '?'); i >= 0 {
		query = link[i+1:]
	} else if strings.Contains(link, "://") {
		return url.Values{}, nil
	}
	if i := strings.IndexByte(query, '#'); i >= 0 {
		query = query[:i]
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("invalid invite link: %w", err)
	}
	return values, nil
}
