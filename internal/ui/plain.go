package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/omochice/peerchat/internal/conversation"
	"github.com/omochice/peerchat/internal/identity"
	"github.com/omochice/peerchat/internal/session"
	"github.com/omochice/peerchat/pkg/protocol"
)

const plainHelp = `Commands:
  /name <name>   set your name
  /chat <peer>   chat with peer
  /clear         forget identity and messages
  /shutdown      ask the service to stop
  /quit          exit
Anything else is sent to the current peer.`

// RunPlain runs a line-oriented chat on in and out, for terminals that
// cannot host the full-screen view. It returns at end of input or on /quit,
// and when ctx is done.
func RunPlain(ctx context.Context, in io.Reader, out io.Writer, sub Submitter, src Source) error {
	p := &printer{out: out}
	p.println(plainHelp)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.follow(ctx, src)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("error reading input: %w", err)
			}
			return nil
		case line := <-lines:
			quit, err := runLine(strings.TrimSpace(line), sub, src, p)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
		}
	}
}

// runLine executes one input line. It reports whether the user quit.
func runLine(text string, sub Submitter, src Source, p *printer) (bool, error) {
	if text == "" {
		return false, nil
	}

	var in conversation.Intent
	id := src.Snapshot().Identity
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		p.println(plainHelp)
		return false, nil
	case "/name":
		if arg == "" {
			p.println("usage: /name <name>")
			return false, nil
		}
		in = conversation.SetIdentity{LocalName: arg, PeerName: id.PeerName}
	case "/chat":
		if id.LocalName == "" {
			p.println("set your name first with /name <name>")
			return false, nil
		}
		in = conversation.SetIdentity{LocalName: id.LocalName, PeerName: arg}
	case "/clear":
		in = conversation.ClearIdentity{}
	case "/shutdown":
		in = conversation.Shutdown{}
	default:
		if strings.HasPrefix(cmd, "/") {
			p.println("unknown command " + cmd + ", try /help")
			return false, nil
		}
		in = conversation.SendMessage{Body: text}
	}

	if err := sub.Submit(in); err != nil {
		return false, fmt.Errorf("failed to submit: %w", err)
	}
	return false, nil
}

// printer serializes writes from the input loop and the follower.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

// follow prints connection changes and new messages until ctx is done.
func (p *printer) follow(ctx context.Context, src Source) {
	var (
		conn  = session.State(-1)
		id    identity.Identity
		shown []protocol.Message
	)

	render := func() {
		snap := src.Snapshot()
		if snap.Connection != conn {
			conn = snap.Connection
			p.println("*** " + statusText(conn) + " ***")
		}
		if snap.Identity != id {
			id = snap.Identity
			shown = nil
			if snap.Identity.HasPeer() {
				p.println(fmt.Sprintf("*** %s chatting with %s ***", snap.Identity.LocalName, snap.Identity.PeerName))
			}
		}

		msgs := snap.Messages
		if len(msgs) < len(shown) || !slices.Equal(msgs[:len(shown)], shown) {
			// history replaced or reordered
			shown = nil
		}
		for _, m := range msgs[len(shown):] {
			p.println(fmt.Sprintf("[%s]: %s", m.From, m.Body))
		}
		shown = msgs
	}

	render()
	for {
		select {
		case <-ctx.Done():
			return
		case <-src.Updates():
			render()
		}
	}
}
