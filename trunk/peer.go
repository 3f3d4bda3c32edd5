package trunk

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Peer is the sipgo-backed Transport. It owns a client handle for outbound
// transactions and a server handle for inbound requests from the SIP peer.
type Peer struct {
	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server
	events chan Event
	wg     sync.WaitGroup
	host   string
	port   int
}

// NewPeer initializes the sipgo user agent and client handle. Listen must be
// called before any traffic flows.
func NewPeer(name string) (*Peer, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(name))
	if err != nil {
		return nil, fmt.Errorf("could not init user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("could not init client handle: %w", err)
	}
	return &Peer{
		ua:     ua,
		client: client,
		events: make(chan Event, 64),
	}, nil
}

// Listen starts the SIP server side on the given address and wires inbound
// requests into the event stream. The address is also what we announce in
// Via/Contact headers.
func (p *Peer) Listen(ctx context.Context, network, addr string, wg *sync.WaitGroup) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("could not parse listen addr %q: %w", addr, err)
	}
	p.host = host
	p.port, err = strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("could not parse listen port %q: %w", portStr, err)
	}

	p.server, err = sipgo.NewServer(p.ua)
	if err != nil {
		return fmt.Errorf("could not init server handle: %w", err)
	}
	p.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		p.emit(Event{Kind: EventInvite, CallID: callID(req), Request: req, Reply: tx})
	})
	p.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		p.emit(Event{Kind: EventBye, CallID: callID(req), Request: req, Reply: tx})
	})
	p.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		// one-way, completes the inbound answer handshake
		slog.Debug("ack received", "call_id", callID(req))
	})
	p.server.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		// treated as a remote hangup of a not-yet-answered inbound call
		p.emit(Event{Kind: EventBye, CallID: callID(req), Request: req, Reply: tx})
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := p.server.ListenAndServe(ctx, network, addr)
		if err != nil {
			slog.Error("error running sip server", "err", err)
		}
	}()
	return nil
}

// Request starts a client transaction and pumps its responses into the event
// stream. It never blocks waiting for the peer.
func (p *Peer) Request(ctx context.Context, req *sip.Request) error {
	tx, err := p.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pump(req, tx)
	}()
	return nil
}

// Send transmits a one-way request (ACK).
func (p *Peer) Send(_ context.Context, req *sip.Request) error {
	if err := p.client.WriteRequest(req); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (p *Peer) Events() <-chan Event { return p.events }

func (p *Peer) ContactHost() string { return p.host }
func (p *Peer) ContactPort() int    { return p.port }

func (p *Peer) Close() error {
	if p.server != nil {
		if err := p.server.Close(); err != nil {
			slog.Warn("could not close sip server", "err", err)
		}
	}
	if err := p.client.Close(); err != nil {
		slog.Warn("could not close sip client", "err", err)
	}
	if err := p.ua.Close(); err != nil {
		return fmt.Errorf("could not close user agent: %w", err)
	}
	p.wg.Wait()
	return nil
}

func (p *Peer) pump(req *sip.Request, tx sip.ClientTransaction) {
	defer tx.Terminate()
	id := callID(req)
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			p.emit(Event{Kind: EventResponse, CallID: id, Response: res})
			if res.StatusCode >= 200 {
				return
			}
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				p.emit(Event{Kind: EventError, CallID: id, Err: fmt.Errorf("%w: %v", ErrTransport, err)})
			}
			return
		}
	}
}

// emit never blocks the sipgo handler goroutines; a full event channel means
// the router fell behind, and dropping with a log beats deadlocking the
// transport.
func (p *Peer) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		slog.Error("event channel full, dropping", "kind", ev.Kind.String(), "call_id", ev.CallID)
	}
}

func callID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
