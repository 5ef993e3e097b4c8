package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/rules"
	"github.com/vpbank/netwatch/pkg/netwatch/scheduler"
)

// applyTimeout bounds the alert writes of one snapshot.
const applyTimeout = 5 * time.Second

type historySource interface {
	History(id string) ([]*models.MetricSnapshot, error)
}

type evaluator interface {
	Evaluate(snap *models.MetricSnapshot, history []*models.MetricSnapshot) []rules.Emission
}

type emissionApplier interface {
	Apply(ctx context.Context, ems []rules.Emission)
}

// pipeline evaluates every successful poll against the rules and applies the
// resulting emissions to the alert store.
type pipeline struct {
	history historySource
	engine  evaluator
	alerts  emissionApplier
	logger  *zerolog.Logger
}

func (p *pipeline) OnSnapshot(dev models.Device, snap *models.MetricSnapshot) {
	history, err := p.history.History(dev.ID)
	if err != nil {
		// Deregistered between the poll and now.
		p.logger.Debug().Err(err).Str("device", dev.ID).Msg("pipeline: snapshot skipped")
		return
	}
	ems := p.engine.Evaluate(snap, history)
	if len(ems) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	p.alerts.Apply(ctx, ems)
}

// fanout calls each handler in order.
type fanout []scheduler.SnapshotHandler

func (f fanout) OnSnapshot(dev models.Device, snap *models.MetricSnapshot) {
	for _, h := range f {
		h.OnSnapshot(dev, snap)
	}
}
