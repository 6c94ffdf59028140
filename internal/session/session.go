// Package session implements the round and tournament lifecycle: a round
// timer, order-window gating, end-of-round flatten-and-rank, cumulative
// tournament scoring, and interrupt finalization. The controller drives
// the exchange orchestrator out-of-band and injects session events into
// the same broadcast stream the matching pipeline uses.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"tradearena/internal/config"
	"tradearena/internal/money"
	"tradearena/internal/protocol"
)

// Exchange is the subset of *exchange.Orchestrator the controller needs.
// Declared as an interface here (rather than importing internal/exchange
// directly) so this package's tests can drive it with a fake.
type Exchange interface {
	SetOrderWindowOpen(open bool)
	SetRejectAll(v bool)
	Broadcast(events ...protocol.Event)
	EndRound(round uint64) (mark float64, rankings []protocol.RankingRow)
}

// State is the controller's lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Ending
	TournamentComplete
)

// roundRecord is kept so a duplicate end-of-round result for an
// already-recorded round leaves history and cumulative PnL unchanged.
type roundRecord struct {
	round     uint64
	rankings  []protocol.RankingRow
	markPrice float64
}

// Controller drives round start/end and tournament scoring. Exactly one
// goroutine (Run) advances rounds; mu guards the fields the gateway's
// welcome frame reads concurrently (state, round, endsAt).
type Controller struct {
	cfg config.Config
	ex  Exchange

	mu     sync.Mutex
	state  State
	round  uint64
	endsAt time.Time

	history    []roundRecord
	cumulative map[string]float64
}

// New constructs a controller for cfg's round/tournament parameters.
func New(cfg config.Config, ex Exchange) *Controller {
	return &Controller{
		cfg:        cfg,
		ex:         ex,
		cumulative: make(map[string]float64),
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Round returns the current (1-based) round number; 0 before the first
// round starts.
func (c *Controller) Round() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round
}

// IsOrderWindowOpen reports whether now falls within the active round's
// trading window.
func (c *Controller) IsOrderWindowOpen(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Running && now.Before(c.endsAt)
}

// Status reports the live round state the gateway's welcome frame needs:
// round number, whether a round is active, its configured duration, and
// how much of it remains.
func (c *Controller) Status() (round uint64, active bool, durationSeconds, remainingSeconds uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	round = c.round
	active = c.state == Running
	durationSeconds = uint64(c.cfg.RoundDurationSeconds)
	if active {
		remaining := time.Until(c.endsAt)
		if remaining > 0 {
			remainingSeconds = uint64(remaining / time.Second)
		}
	}
	return round, active, durationSeconds, remainingSeconds
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the round timer loop until the tournament completes or t
// dies. It is the only goroutine that calls startRound/endRound.
func (c *Controller) Run(t *tomb.Tomb) error {
	c.startRound()

	for {
		c.mu.Lock()
		remaining := time.Until(c.endsAt)
		c.mu.Unlock()
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		select {
		case <-t.Dying():
			timer.Stop()
			c.interrupt()
			return nil
		case <-timer.C:
			if c.State() != Running {
				continue
			}
			c.endRound()
			if c.State() == TournamentComplete {
				return nil
			}
			c.startRound()
		}
	}
}

func (c *Controller) startRound() {
	c.mu.Lock()
	c.round++
	round := c.round
	c.state = Running
	c.endsAt = time.Now().Add(c.cfg.RoundDuration())
	c.mu.Unlock()

	c.ex.SetOrderWindowOpen(true)
	c.ex.Broadcast(protocol.NewSessionStartEvent(round, uint64(c.cfg.RoundDurationSeconds)))
	log.Info().Uint64("round", round).Msg("session round started")
}

// endRound closes the order window, flattens and ranks through the
// orchestrator, records the round idempotently, accumulates tournament
// PnL, and transitions state.
func (c *Controller) endRound() {
	c.setState(Ending)
	c.ex.SetOrderWindowOpen(false)

	round := c.Round()
	mark, rankings := c.ex.EndRound(round)
	c.recordRound(round, mark, rankings)

	if uint64(c.cfg.TotalRounds) <= uint64(len(c.history)) {
		c.setState(TournamentComplete)
		c.ex.Broadcast(c.tournamentCompleteEvent())
		log.Info().Msg("tournament complete")
		return
	}
	c.setState(Idle)
}

// recordRound is idempotent: processing the same round twice (e.g. a
// duplicate interrupt-then-timer race) leaves cumulative PnL and round
// history unchanged.
func (c *Controller) recordRound(round uint64, mark float64, rankings []protocol.RankingRow) {
	for _, rec := range c.history {
		if rec.round == round {
			return
		}
	}
	c.history = append(c.history, roundRecord{round: round, rankings: rankings, markPrice: mark})
	for _, row := range rankings {
		// Re-round the running sum so the cumulative figure stays exactly
		// representable at 4 decimals across many rounds.
		c.cumulative[row.TraderID] = money.Round(c.cumulative[row.TraderID] + row.Pnl)
	}
}

func (c *Controller) tournamentCompleteEvent() protocol.Event {
	rankings := c.cumulativeRankings()
	return protocol.NewTournamentCompleteEvent(uint64(len(c.history)), uint64(c.cfg.TotalRounds), rankings)
}

func (c *Controller) cumulativeRankings() []protocol.RankingRow {
	ids := make([]string, 0, len(c.cumulative))
	for id := range c.cumulative {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sort.SliceStable(ids, func(i, j int) bool {
		if c.cumulative[ids[i]] != c.cumulative[ids[j]] {
			return c.cumulative[ids[i]] > c.cumulative[ids[j]]
		}
		return ids[i] < ids[j]
	})
	rankings := make([]protocol.RankingRow, len(ids))
	for i, id := range ids {
		rankings[i] = protocol.RankingRow{Rank: i + 1, TraderID: id, Pnl: c.cumulative[id]}
	}
	return rankings
}

// interrupt runs the orderly-shutdown path: reject-all first, finalize at
// most one partial round if one is active, then always emit a final
// tournament_complete over cumulative state.
func (c *Controller) interrupt() {
	c.ex.SetRejectAll(true)

	if c.State() == Running {
		c.endRoundPartial()
	}

	c.setState(TournamentComplete)
	c.ex.Broadcast(c.tournamentCompleteEvent())
	log.Info().Msg("session interrupted, final tournament_complete emitted")
}

func (c *Controller) endRoundPartial() {
	c.setState(Ending)
	c.ex.SetOrderWindowOpen(false)
	round := c.Round()
	mark, rankings := c.ex.EndRound(round)
	c.recordRound(round, mark, rankings)
}
