// Package exchange implements the single-writer orchestrator: the one
// place that holds the matching engine, the position ledger, the risk
// controller, and every trader's account flags, and the only place that
// mutates any of them.
//
// Mutating entry points never touch that state directly. They build a
// closure and hand it to the orchestrator's single command goroutine,
// which runs it to completion before picking up the next one, so matching,
// ledger updates, the maintenance scan, and the liquidation loop all run
// without interleaving and without a per-call mutex.
package exchange

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"tradearena/internal/config"
	"tradearena/internal/ledger"
	"tradearena/internal/matching"
	"tradearena/internal/money"
	"tradearena/internal/protocol"
	"tradearena/internal/risk"
)

const subscriberBufferSize = 64

// accountState is the per-trader flags the orchestrator owns: frozen-until
// timestamp, in-liquidation flag, bankrupt flag.
type accountState struct {
	frozenUntil   time.Time
	inLiquidation bool
	bankrupt      bool
}

func (a *accountState) frozen(now time.Time) bool {
	return a.inLiquidation || now.Before(a.frozenUntil)
}

// Orchestrator is the exchange core. Construct with New, passing the
// tomb that will supervise Run, then start Run inside that tomb before
// calling any of its public methods.
type Orchestrator struct {
	cfg    config.Config
	engine *matching.Engine
	ledger *ledger.Ledger
	risk   *risk.Manager

	accounts map[string]*accountState

	lastTrade    float64
	hasLastTrade bool
	rejectAll    bool
	windowOpen   bool

	cmds chan func()
	t    *tomb.Tomb

	subsMu      sync.Mutex
	subscribers map[uint64]chan protocol.Event
	nextSubID   uint64
}

// New constructs an orchestrator for symbol with fresh engine/ledger/risk
// state, per cfg. t is the tomb that will supervise Run; it is stored
// here, before any other goroutine can submit work, so enqueue never
// observes a half-started orchestrator. Tests that drive the pipeline
// synchronously may pass nil.
func New(cfg config.Config, t *tomb.Tomb) *Orchestrator {
	riskMgr := risk.New(risk.Config{StartingCapital: cfg.StartingCapital, InitialMarginRate: cfg.InitialMarginRate, MaintenanceMarginRate: cfg.MaintenanceMarginRate})
	return &Orchestrator{
		cfg:         cfg,
		engine:      matching.New(cfg.Symbol, false),
		ledger:      ledger.New(riskMgr.StartingCapital()),
		risk:        riskMgr,
		accounts:    make(map[string]*accountState),
		cmds:        make(chan func(), 1),
		subscribers: make(map[uint64]chan protocol.Event),
		t:           t,
	}
}

// Run is the single-writer command loop. It must run in exactly one
// goroutine for the lifetime of the orchestrator, supervised by the tomb
// given to New.
func (o *Orchestrator) Run() error {
	log.Info().Str("symbol", o.cfg.Symbol).Msg("exchange orchestrator running")
	for {
		select {
		case <-o.t.Dying():
			return nil
		case cmd := <-o.cmds:
			cmd()
		}
	}
}

// enqueue runs fn on the single-writer goroutine and blocks until it
// completes, returning false if the orchestrator is shutting down before
// fn could run.
func (o *Orchestrator) enqueue(fn func()) bool {
	if o.t == nil {
		// Constructed without a tomb (unit tests exercising the pipeline
		// directly); execute inline — still single-threaded, just without
		// the goroutine indirection.
		fn()
		return true
	}
	done := make(chan struct{})
	wrapped := func() { fn(); close(done) }
	select {
	case o.cmds <- wrapped:
	case <-o.t.Dying():
		return false
	}
	select {
	case <-done:
		return true
	case <-o.t.Dying():
		return false
	}
}

func (o *Orchestrator) ensureAccount(traderID string) *accountState {
	a, ok := o.accounts[traderID]
	if !ok {
		a = &accountState{}
		o.accounts[traderID] = a
	}
	return a
}

// resolveMark resolves the mark price: midpoint of best bid/ask when both
// exist, else the available side, else the last trade, else the
// configured fallback.
func (o *Orchestrator) resolveMark() float64 {
	bid, bidOk := o.engine.Book().BestBid()
	ask, askOk := o.engine.Book().BestAsk()
	switch {
	case bidOk && askOk:
		return money.Round((bid + ask) / 2)
	case bidOk:
		return money.Round(bid)
	case askOk:
		return money.Round(ask)
	case o.hasLastTrade:
		return money.Round(o.lastTrade)
	default:
		return money.Round(o.cfg.FallbackMarkPrice)
	}
}

// SetOrderWindowOpen toggles whether new orders are accepted, driven by
// the session controller's round lifecycle.
func (o *Orchestrator) SetOrderWindowOpen(open bool) {
	o.enqueue(func() { o.windowOpen = open })
}

// SetRejectAll enables reject-all mode for an orderly shutdown: every
// subsequent submission is rejected as exchange_shutting_down.
func (o *Orchestrator) SetRejectAll(v bool) {
	o.enqueue(func() { o.rejectAll = v })
}

// Broadcast enqueues events for delivery to every event-stream
// subscriber, serialized against order processing so cross-burst ordering
// holds for session_start/tournament_complete too.
func (o *Orchestrator) Broadcast(events ...protocol.Event) {
	o.enqueue(func() { o.broadcastLocked(events) })
}

func (o *Orchestrator) broadcastLocked(events []protocol.Event) {
	if len(events) == 0 {
		return
	}
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for id, ch := range o.subscribers {
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-time.After(200 * time.Millisecond):
				// A send that cannot complete promptly treats the
				// subscriber as dropped.
				log.Warn().Uint64("subscriberID", id).Msg("event stream subscriber timed out, dropping")
				close(ch)
				delete(o.subscribers, id)
			}
			if _, stillThere := o.subscribers[id]; !stillThere {
				break
			}
		}
	}
}

// Subscribe registers a new event-stream listener. It only touches the
// subscriber lock, independent of the engine guard, so new connections
// never block matching.
func (o *Orchestrator) Subscribe() (id uint64, events <-chan protocol.Event) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	o.nextSubID++
	id = o.nextSubID
	ch := make(chan protocol.Event, subscriberBufferSize)
	o.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a previously registered listener.
func (o *Orchestrator) Unsubscribe(id uint64) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	if ch, ok := o.subscribers[id]; ok {
		close(ch)
		delete(o.subscribers, id)
	}
}

// Symbol returns the traded symbol.
func (o *Orchestrator) Symbol() string { return o.cfg.Symbol }
