package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// restore fills the components at startup. Without persistence the YAML
// trees are the whole state. With persistence each kind is read from the
// database; a kind with no stored records is seeded from YAML and written
// back, so later API edits win over the files.
//
// Order matters: groups resolve against registered devices, and rules and
// checks may be scoped to groups.
func (a *App) restore(ctx context.Context) error {
	cfg := a.loaded
	if a.db == nil {
		nd := a.Registry.Load(cfg.Devices)
		ng := a.Groups.Load(cfg.Groups)
		nr := a.Engine.Load(cfg.Rules)
		nc := a.Compliance.Load(cfg.Checks)
		a.logger.Info().Int("devices", nd).Int("groups", ng).Int("rules", nr).Int("checks", nc).
			Msg("app: state loaded from configuration")
		return nil
	}

	devices, err := seeded(ctx, a.logger, "devices", a.db.Devices, cfg.Devices, a.db.SaveDevice)
	if err != nil {
		return err
	}
	groups, err := seeded(ctx, a.logger, "groups", a.db.Groups, cfg.Groups, a.db.SaveGroup)
	if err != nil {
		return err
	}
	rules, err := seeded(ctx, a.logger, "rules", a.db.Rules, cfg.Rules, a.db.SaveRule)
	if err != nil {
		return err
	}
	checks, err := seeded(ctx, a.logger, "compliance checks", a.db.Checks, cfg.Checks, a.db.SaveCheck)
	if err != nil {
		return err
	}
	alerts, err := a.db.Alerts(ctx)
	if err != nil {
		return fmt.Errorf("app: restore alerts: %w", err)
	}

	nd := a.Registry.Load(devices)
	ng := a.Groups.Load(groups)
	nr := a.Engine.Load(rules)
	nc := a.Compliance.Load(checks)
	na := a.Alerts.Load(alerts)
	a.logger.Info().Int("devices", nd).Int("groups", ng).Int("rules", nr).Int("checks", nc).Int("alerts", na).
		Msg("app: state restored")
	return nil
}

// seeded returns the stored records of one kind, or seeds them from
// configuration when none are stored yet.
func seeded[T any](
	ctx context.Context,
	log *zerolog.Logger,
	kind string,
	list func(context.Context) ([]T, error),
	fromConfig []T,
	save func(context.Context, T) error,
) ([]T, error) {
	stored, err := list(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: restore %s: %w", kind, err)
	}
	if len(stored) > 0 {
		if len(fromConfig) > 0 {
			log.Debug().Str("kind", kind).Int("ignored", len(fromConfig)).
				Msg("app: stored records take precedence over configuration")
		}
		return stored, nil
	}
	for _, v := range fromConfig {
		if err := save(ctx, v); err != nil {
			return nil, fmt.Errorf("app: seed %s: %w", kind, err)
		}
	}
	if len(fromConfig) > 0 {
		log.Info().Str("kind", kind).Int("records", len(fromConfig)).Msg("app: seeded from configuration")
	}
	return fromConfig, nil
}
