package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/omochice/peerchat/pkg/protocol"
)

// HistoryLimit is the number of most recent messages returned by get_history.
const HistoryLimit = 50

// Errors returned by Network. Their text is sent to clients as the
// response error.
var (
	ErrNameRequired    = errors.New("peer name is required")
	ErrPeersRequired   = errors.New("both peer names are required")
	ErrConnectFailed   = errors.New("failed to connect peers")
	ErrMessageRequired = errors.New("sender, recipient and message are required")
	ErrInvalidHistory  = errors.New("invalid peers for history lookup")
)

type pair [2]string

func pairOf(a, b string) pair {
	if b < a {
		a, b = b, a
	}
	return pair{a, b}
}

// Network is the in-memory registry of peers, the links between them and
// the messages routed over each link.
type Network struct {
	mu    sync.RWMutex
	peers map[string]bool
	links map[pair][]protocol.Message
	now   func() time.Time
}

// NewNetwork creates an empty Network.
func NewNetwork() *Network {
	return &Network{
		peers: make(map[string]bool),
		links: make(map[pair][]protocol.Message),
		now:   time.Now,
	}
}

// CreatePeer registers name. Creating an existing peer is a no-op.
func (n *Network) CreatePeer(name string) error {
	if name == "" {
		return ErrNameRequired
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[name] = true
	return nil
}

// ConnectPeers links two registered peers.
func (n *Network) ConnectPeers(a, b string) error {
	if a == "" || b == "" {
		return ErrPeersRequired
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.peers[a] || !n.peers[b] {
		return ErrConnectFailed
	}
	key := pairOf(a, b)
	if _, ok := n.links[key]; !ok {
		n.links[key] = []protocol.Message{}
	}
	return nil
}

// Route records a message between linked peers and returns it. ok is false
// when the peers are unknown or not linked, in which case nothing is
// delivered.
func (n *Network) Route(from, to, body string) (msg protocol.Message, ok bool, err error) {
	if from == "" || to == "" || body == "" {
		return protocol.Message{}, false, ErrMessageRequired
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	key := pairOf(from, to)
	log, linked := n.links[key]
	if !n.peers[from] || !n.peers[to] || !linked {
		return protocol.Message{}, false, nil
	}
	msg = protocol.NewMessage(from, to, body, n.now())
	n.links[key] = append(log, msg)
	return msg, true, nil
}

// History returns up to HistoryLimit most recent messages between a and b,
// oldest first. Unlinked pairs have an empty history.
func (n *Network) History(a, b string) ([]protocol.Message, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if a == "" || b == "" || !n.peers[a] {
		return nil, ErrInvalidHistory
	}
	log := n.links[pairOf(a, b)]
	if len(log) > HistoryLimit {
		log = log[len(log)-HistoryLimit:]
	}
	history := make([]protocol.Message, len(log))
	copy(history, log)
	return history, nil
}

// PeerCount returns the number of registered peers.
func (n *Network) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}
