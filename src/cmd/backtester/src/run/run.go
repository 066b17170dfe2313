package run

import (
	"context"
	"fmt"
	"os"

	"github.com/kataras/go-events"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/hydra-backtester/src/asset"
	"github.com/jiaming2012/hydra-backtester/src/backtester"
	"github.com/jiaming2012/hydra-backtester/src/config"
	"github.com/jiaming2012/hydra-backtester/src/loader"
	"github.com/jiaming2012/hydra-backtester/src/models"
	"github.com/jiaming2012/hydra-backtester/src/report"
	"github.com/jiaming2012/hydra-backtester/src/strategy"
	"github.com/jiaming2012/hydra-backtester/src/sweep"
)

func addExchanges(h *backtester.Hydra, cfg *config.SimulationConfig) error {
	for _, e := range cfg.Exchanges {
		if _, err := h.NewExchange(e.ID); err != nil {
			return err
		}

		if e.IndexFile == "" {
			continue
		}

		frequency, err := asset.ParseFrequency(e.IndexFrequency)
		if err != nil {
			return fmt.Errorf("exchange %s: %w", e.ID, err)
		}

		index, err := loader.LoadCSV(cfg.Path(e.IndexFile), e.IndexID, e.ID, "", 0, frequency)
		if err != nil {
			return fmt.Errorf("exchange %s: %w", e.ID, err)
		}

		if err := h.RegisterIndexAsset(index, e.ID); err != nil {
			return err
		}
	}

	return nil
}

func addBrokers(h *backtester.Hydra, cfg *config.SimulationConfig) error {
	for _, b := range cfg.Brokers {
		broker, err := h.NewBroker(b.ID, b.Cash)
		if err != nil {
			return err
		}

		broker.SetCommissionScheme(b.Commission.Flat, b.Commission.Pct, b.Commission.MarginRate)
		if b.Account {
			broker.EnableAccount()
		}
	}

	return nil
}

func addAssets(h *backtester.Hydra, cfg *config.SimulationConfig) error {
	for _, a := range cfg.Assets {
		frequency, err := asset.ParseFrequency(a.Frequency)
		if err != nil {
			return fmt.Errorf("asset %s: %w", a.ID, err)
		}

		loaded, err := loader.LoadCSV(cfg.Path(a.File), a.ID, a.Exchange, a.Broker, a.Warmup, frequency)
		if err != nil {
			return err
		}

		// the index asset is linked on registration, before any beta tracer is added
		if err := h.RegisterAsset(loaded); err != nil {
			return err
		}

		for _, t := range a.Tracers {
			kind, err := asset.ParseTracerType(t.Kind)
			if err != nil {
				return fmt.Errorf("asset %s: %w", a.ID, err)
			}

			if err := loaded.AddTracer(kind, t.Lookback, t.AdjustWarmup); err != nil {
				return err
			}
		}
	}

	return nil
}

func addTracers(p *backtester.Portfolio, kinds []string) error {
	for _, k := range kinds {
		kind, err := backtester.ParsePortfolioTracerType(k)
		if err != nil {
			return err
		}

		if _, err := p.Tracer(kind); err == nil {
			continue
		}

		if err := p.AddTracer(kind); err != nil {
			return err
		}
	}

	return nil
}

func addPortfolios(h *backtester.Hydra, cfg *config.SimulationConfig) error {
	for _, pc := range cfg.Portfolios {
		parent, err := h.GetPortfolio(pc.ParentID())
		if err != nil {
			return err
		}

		p, err := parent.CreateSubPortfolio(pc.ID, pc.Cash)
		if err != nil {
			return err
		}

		if err := addTracers(p, pc.Tracers); err != nil {
			return fmt.Errorf("portfolio %s: %w", pc.ID, err)
		}
	}

	return nil
}

// BuildHydra creates and builds the simulation described by cfg. When overrideStrategy names a strategy,
// overrides are applied on top of its configured params. The master portfolio always carries value and event
// tracers so runs can be summarized and replayed.
func BuildHydra(cfg *config.SimulationConfig, overrideStrategy string, overrides strategy.Params) (*backtester.Hydra, error) {
	h := backtester.NewHydra(cfg.Hydra.Cash)

	if err := addTracers(h.Master(), []string{string(backtester.ValueTracerType), string(backtester.EventTracerType)}); err != nil {
		return nil, fmt.Errorf("BuildHydra: %w", err)
	}

	steps := []func(*backtester.Hydra, *config.SimulationConfig) error{
		addExchanges,
		addBrokers,
		addAssets,
		addPortfolios,
	}

	for _, step := range steps {
		if err := step(h, cfg); err != nil {
			return nil, fmt.Errorf("BuildHydra: %w", err)
		}
	}

	for _, sc := range cfg.Strategies {
		params := strategy.Params(sc.Params)
		if sc.ID == overrideStrategy {
			params = params.Merge(overrides)
		}

		s, err := strategy.New(strategy.Kind(sc.Kind), h, sc.ID, sc.PortfolioID(), sc.Exchange, params)
		if err != nil {
			return nil, fmt.Errorf("BuildHydra: strategy %s: %w", sc.ID, err)
		}

		if err := h.RegisterStrategy(sc.ID, s, false); err != nil {
			return nil, fmt.Errorf("BuildHydra: %w", err)
		}
	}

	if err := h.Build(); err != nil {
		return nil, fmt.Errorf("BuildHydra: %w", err)
	}

	return h, nil
}

// progressLogger logs every tenth of the run.
func progressLogger(payload ...interface{}) {
	step, ok := payload[0].(backtester.StepEvent)
	if !ok || step.Total == 0 {
		return
	}

	every := step.Total / 10
	if every == 0 {
		every = 1
	}

	if step.Index%every != 0 && step.Index != step.Total {
		return
	}

	log.WithFields(log.Fields{
		"run_id": step.RunID,
		"bar":    step.Index,
		"total":  step.Total,
	}).Infof("progress %d%%", step.Index*100/step.Total)
}

// Exec builds and runs the simulation, then returns the rendered report. With replay set the run is replayed
// from its order history and both values are logged.
func Exec(ctx context.Context, cfg *config.SimulationConfig, replay bool) (string, error) {
	h, err := BuildHydra(cfg, "", nil)
	if err != nil {
		return "", err
	}

	h.On(backtester.EventStep, events.Listener(progressLogger))

	if err := h.Run(ctx, 0, 0); err != nil {
		return "", err
	}

	nlv := h.Master().NLV()

	if replay {
		if err := h.Replay(ctx); err != nil {
			return "", err
		}

		log.WithFields(log.Fields{
			"nlv":        nlv.StringFixed(2),
			"replay_nlv": h.Master().NLV().StringFixed(2),
		}).Info("replay finished")
	}

	valueTracer, err := h.Master().ValueTracer()
	if err != nil {
		return "", err
	}

	history := valueTracer.History()
	summary, err := report.Summarize(history)
	if err != nil {
		return "", err
	}

	if file := cfg.Path(cfg.Report.ValueHistoryFile); file != "" {
		if err := exportValueHistory(file, history); err != nil {
			return "", err
		}
	}

	eventTracer, err := h.Master().EventTracer()
	if err != nil {
		return "", err
	}

	closed := eventTracer.Positions()
	positions := make([]*models.Position, 0, len(closed))
	for i := range closed {
		positions = append(positions, &closed[i])
	}

	return report.Render(summary, positions), nil
}

func exportValueHistory(file string, history []backtester.ValueRecord) error {
	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", file, err)
	}
	defer f.Close()

	if err := report.ExportValueHistory(f, history); err != nil {
		return err
	}

	log.WithField("file", file).Info("value history exported")

	return nil
}

// Sweep runs the configured parameter grid and returns the rendered results.
func Sweep(ctx context.Context, cfg *config.SimulationConfig) (string, error) {
	if cfg.Sweep.Strategy == "" || len(cfg.Sweep.Grid) == 0 {
		return "", fmt.Errorf("Sweep: the config has no sweep strategy or grid: %w", models.ErrInvalidDataRequest)
	}

	points := sweep.Expand(cfg.Sweep.Grid)

	build := func(params strategy.Params) (*backtester.Hydra, error) {
		return BuildHydra(cfg, cfg.Sweep.Strategy, params)
	}

	results, err := sweep.Run(ctx, points, build, cfg.Sweep.Concurrency)
	if err != nil {
		return "", err
	}

	return sweep.Render(results), nil
}
