// Command exchange wires the matching engine, position ledger, risk
// controller, session/tournament controller, and the two TCP endpoints
// (order gateway, event stream) together into one running process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"tradearena/internal/config"
	"tradearena/internal/exchange"
	"tradearena/internal/session"
	"tradearena/internal/transport"
)

func main() {
	cfg := config.Default()

	flag.StringVar(&cfg.Symbol, "symbol", cfg.Symbol, "traded symbol")
	flag.StringVar(&cfg.GatewayAddr, "gateway-addr", cfg.GatewayAddr, "order gateway bind address")
	flag.StringVar(&cfg.StreamAddr, "stream-addr", cfg.StreamAddr, "event stream bind address")
	flag.IntVar(&cfg.RoundDurationSeconds, "round-seconds", cfg.RoundDurationSeconds, "seconds per round")
	flag.IntVar(&cfg.TotalRounds, "total-rounds", cfg.TotalRounds, "number of rounds in the tournament")
	flag.Float64Var(&cfg.StartingCapital, "starting-capital", cfg.StartingCapital, "starting cash per trader")
	flag.Float64Var(&cfg.InitialMarginRate, "initial-margin-rate", cfg.InitialMarginRate, "initial margin rate")
	flag.Float64Var(&cfg.MaintenanceMarginRate, "maintenance-margin-rate", cfg.MaintenanceMarginRate, "maintenance margin rate")
	flag.IntVar(&cfg.LiquidationCooldownMs, "liquidation-cooldown-ms", cfg.LiquidationCooldownMs, "cooldown after liquidation, in ms")
	flag.IntVar(&cfg.BookDepth, "book-depth", cfg.BookDepth, "book_update aggregated depth")
	flag.Float64Var(&cfg.FallbackMarkPrice, "fallback-mark-price", cfg.FallbackMarkPrice, "mark price used before any quote or trade exists")
	debug := flag.Bool("debug", false, "enable verbose structured logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	t, ctx := tomb.WithContext(ctx)

	orch := exchange.New(cfg, t)
	sess := session.New(cfg, orch)

	t.Go(orch.Run)
	t.Go(func() error { return sess.Run(t) })

	gateway := transport.NewGateway(cfg.GatewayAddr, cfg.Symbol, orch, sess.Status)
	stream := transport.NewStream(cfg.StreamAddr, orch)
	t.Go(func() error { return gateway.Run(t) })
	t.Go(func() error { return stream.Run(t) })

	log.Info().
		Str("symbol", cfg.Symbol).
		Str("gatewayAddr", cfg.GatewayAddr).
		Str("streamAddr", cfg.StreamAddr).
		Int("totalRounds", cfg.TotalRounds).
		Msg("exchange starting")

	<-ctx.Done()
	t.Kill(nil)
	if err := t.Wait(); err != nil {
		log.Error().Err(err).Msg("exchange exited with error")
		os.Exit(1)
	}
	log.Info().Msg("exchange shut down cleanly")
}
