package conversation

// Intent is a user action submitted by the presentation layer.
type Intent interface {
	intent()
}

// SetIdentity chooses the local name and, optionally, the peer to chat with.
// An empty LocalName behaves like ClearIdentity.
type SetIdentity struct {
	LocalName string
	PeerName  string
}

// SendMessage sends Body to the current peer.
type SendMessage struct {
	Body string
}

// ClearIdentity forgets the identity and the message log.
type ClearIdentity struct{}

// Shutdown asks the service to stop.
type Shutdown struct{}

func (SetIdentity) intent()   {}
func (SendMessage) intent()   {}
func (ClearIdentity) intent() {}
func (Shutdown) intent()      {}
