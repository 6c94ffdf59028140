// Package transport implements the exchange's two TCP endpoints: the
// order gateway (inbound orders, direct accepted/rejected replies) and
// the event stream (outbound broadcast feed, read-only to clients).
// Framing is one JSON object per newline-delimited frame; each connection
// is handled by its own tomb-tracked goroutine.
package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"tradearena/internal/protocol"
)

const (
	maxFrameSize = 64 * 1024
	writeTimeout = 200 * time.Millisecond
)

// OrderSubmitter is the subset of *exchange.Orchestrator the gateway
// needs.
type OrderSubmitter interface {
	SubmitOrder(req protocol.OrderRequest) protocol.Event
}

// EventSource is the subset of *exchange.Orchestrator the event stream
// needs.
type EventSource interface {
	Subscribe() (id uint64, events <-chan protocol.Event)
	Unsubscribe(id uint64)
}

// StatusFunc reports live round state for the gateway's welcome frame.
type StatusFunc func() (round uint64, active bool, durationSeconds, remainingSeconds uint64)

func writeFrame(conn net.Conn, event protocol.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	body = append(body, '\n')
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = conn.Write(body)
	return err
}

// listenUntilDying opens a TCP listener and closes it as soon as t starts
// dying, so a blocked Accept() unblocks with an error and the accept loop
// can exit instead of leaking a goroutine past shutdown.
func listenUntilDying(t *tomb.Tomb, addr string) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		<-t.Dying()
		if err := listener.Close(); err != nil {
			log.Debug().Err(err).Msg("listener close on shutdown")
		}
	}()
	return listener, nil
}

func closeConn(conn net.Conn) {
	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Str("address", conn.RemoteAddr().String()).Msg("error closing connection")
	}
}

func newTraderID() string {
	return uuid.New().String()
}

// Gateway is the order-ingress endpoint: one goroutine per connection,
// reading newline-delimited order frames and replying directly with
// order_accepted/order_rejected on the same connection, so a client
// always learns its own order's fate on the socket it submitted on.
type Gateway struct {
	addr      string
	symbol    string
	submitter OrderSubmitter
	status    StatusFunc
}

// NewGateway constructs the order gateway bound to addr.
func NewGateway(addr, symbol string, submitter OrderSubmitter, status StatusFunc) *Gateway {
	return &Gateway{addr: addr, symbol: symbol, submitter: submitter, status: status}
}

// Run accepts connections until t dies. It must be started with t.Go.
func (g *Gateway) Run(t *tomb.Tomb) error {
	listener, err := listenUntilDying(t, g.addr)
	if err != nil {
		return err
	}
	defer func() {
		if err := listener.Close(); err != nil {
			log.Debug().Err(err).Msg("gateway listener close failed")
		}
	}()

	log.Info().Str("address", g.addr).Msg("order gateway listening")

	for {
		select {
		case <-t.Dying():
			return nil
		default:
		}
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
				log.Error().Err(err).Msg("gateway accept failed")
				continue
			}
		}
		t.Go(func() error {
			g.handleConn(t, conn)
			return nil
		})
	}
}

func (g *Gateway) handleConn(t *tomb.Tomb, conn net.Conn) {
	defer closeConn(conn)

	// Scanner.Scan() blocks on conn.Read with no deadline, which a closed
	// Dying channel alone can't unblock; close the connection directly so
	// shutdown doesn't leave this goroutine (and tomb.Wait) hanging.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-t.Dying():
			conn.Close()
		case <-done:
		}
	}()

	traderID := newTraderID()
	round, active, durationSeconds, remainingSeconds := g.status()
	if err := writeFrame(conn, protocol.NewWelcomeEvent(traderID, g.symbol, round, active, durationSeconds, remainingSeconds)); err != nil {
		log.Error().Err(err).Str("traderID", traderID).Msg("failed sending welcome frame")
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxFrameSize)

	for scanner.Scan() {
		select {
		case <-t.Dying():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, err := protocol.ParseOrderRequest(line)
		if err != nil {
			reply := protocol.NewOrderRejected(rejectReasonFor(err), nil, "", "")
			if werr := writeFrame(conn, reply); werr != nil {
				log.Error().Err(werr).Str("traderID", traderID).Msg("failed sending reject frame")
				return
			}
			continue
		}

		reply := g.submitter.SubmitOrder(req)
		if err := writeFrame(conn, reply); err != nil {
			log.Error().Err(err).Str("traderID", req.TraderID).Msg("failed sending order response")
			return
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Str("traderID", traderID).Msg("gateway connection closed")
	}
}

// rejectReasonFor maps a protocol validation error to its order_rejected
// reason: malformed JSON gets invalid_json, any other schema violation
// gets invalid_message.
func rejectReasonFor(err error) protocol.RejectReason {
	if errors.Is(err, protocol.ErrInvalidJSON) {
		return protocol.ReasonInvalidJSON
	}
	return protocol.ReasonInvalidMessage
}

// Stream is the read-only event-stream endpoint: each connection
// subscribes to the orchestrator's broadcast feed and forwards every
// event verbatim until the client disconnects or a send times out.
type Stream struct {
	addr   string
	events EventSource
}

// NewStream constructs the event-stream endpoint bound to addr.
func NewStream(addr string, events EventSource) *Stream {
	return &Stream{addr: addr, events: events}
}

// Run accepts connections until t dies. It must be started with t.Go.
func (s *Stream) Run(t *tomb.Tomb) error {
	listener, err := listenUntilDying(t, s.addr)
	if err != nil {
		return err
	}
	defer func() {
		if err := listener.Close(); err != nil {
			log.Debug().Err(err).Msg("event stream listener close failed")
		}
	}()

	log.Info().Str("address", s.addr).Msg("event stream listening")

	for {
		select {
		case <-t.Dying():
			return nil
		default:
		}
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
				log.Error().Err(err).Msg("event stream accept failed")
				continue
			}
		}
		t.Go(func() error {
			s.handleConn(t, conn)
			return nil
		})
	}
}

func (s *Stream) handleConn(t *tomb.Tomb, conn net.Conn) {
	defer closeConn(conn)

	id, events := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	for {
		select {
		case <-t.Dying():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeFrame(conn, ev); err != nil {
				log.Debug().Err(err).Uint64("subscriberID", id).Msg("event stream send failed, dropping connection")
				return
			}
		}
	}
}
