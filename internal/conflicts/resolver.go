package conflicts

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
)

var (
	errMissingStore    = errors.New("record store is required")
	errMissingRegistry = errors.New("conflict registry is required")
)

// ResolverConfig describes the dependencies of a Resolver.
type ResolverConfig struct {
	Store    *records.Store
	Registry *Registry
	Logger   *zap.Logger
}

// Resolver settles conflict cases against the record store.
type Resolver struct {
	store    *records.Store
	registry *Registry
	logger   *zap.Logger
}

// NewResolver validates the configuration and returns a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{store: cfg.Store, registry: cfg.Registry, logger: logger}, nil
}

// Outcome reports the result of a resolution attempt.
type Outcome struct {
	Case     Case
	Record   records.Record
	Deferred bool
}

// Resolve applies strategy to the case. StrategyManual leaves the case open, marked deferred,
// until ResolveManual supplies the decision.
func (r *Resolver) Resolve(ctx context.Context, caseID string, strategy Strategy, actor records.ActorID) (Outcome, error) {
	if _, err := NewStrategy(string(strategy)); err != nil {
		return Outcome{}, err
	}
	conflict, err := r.openCase(ctx, caseID)
	if err != nil {
		return Outcome{}, err
	}
	if strategy == StrategyManual {
		deferred, err := r.registry.deferCase(ctx, caseID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Case: deferred, Deferred: true}, nil
	}

	remote, err := conflict.RemoteSnapshot()
	if err != nil {
		return Outcome{}, err
	}
	current, err := r.store.Get(ctx, records.RecordID(conflict.RecordID))
	if err != nil {
		return Outcome{}, err
	}
	local, err := current.Snapshot()
	if err != nil {
		return Outcome{}, err
	}

	resolution := records.Resolution{
		Strategy: string(strategy),
		Actor:    actor,
		Remote:   remote,
		Metadata: map[string]string{"case_id": conflict.CaseID},
	}
	switch strategy {
	case StrategyKeepLocal:
		resolution.Payload = local.Payload
		resolution.IsDeleted = local.IsDeleted
	case StrategyKeepRemote:
		if remote.Version > local.Version {
			resolution.AdoptRemote = true
		} else {
			resolution.Payload = remote.Payload
			resolution.IsDeleted = remote.IsDeleted
		}
	case StrategyMerge:
		merged, deleted, err := Merge(local, remote)
		if err != nil {
			return Outcome{}, err
		}
		resolution.Payload = merged
		resolution.IsDeleted = deleted
	}
	return r.finish(ctx, conflict, strategy, resolution)
}

// ResolveManual settles a case with content decided outside the system.
func (r *Resolver) ResolveManual(ctx context.Context, caseID string, actor records.ActorID, payload records.Payload, isDeleted bool) (Outcome, error) {
	conflict, err := r.openCase(ctx, caseID)
	if err != nil {
		return Outcome{}, err
	}
	remote, err := conflict.RemoteSnapshot()
	if err != nil {
		return Outcome{}, err
	}
	return r.finish(ctx, conflict, StrategyManual, records.Resolution{
		Strategy:  string(StrategyManual),
		Actor:     actor,
		Remote:    remote,
		Payload:   payload,
		IsDeleted: isDeleted,
		Metadata:  map[string]string{"case_id": conflict.CaseID},
	})
}

func (r *Resolver) openCase(ctx context.Context, caseID string) (Case, error) {
	conflict, err := r.registry.Get(ctx, caseID)
	if err != nil {
		return Case{}, err
	}
	if !conflict.IsOpen() {
		return Case{}, ErrAlreadyResolved
	}
	return conflict, nil
}

func (r *Resolver) finish(ctx context.Context, conflict Case, strategy Strategy, resolution records.Resolution) (Outcome, error) {
	resolution.Finalize = func(tx *gorm.DB, resolved records.Record) error {
		return r.registry.markResolvedTx(tx, conflict.CaseID, strategy, resolution.Actor.String(), resolved.Version)
	}
	resolved, err := r.store.Resolve(ctx, records.RecordID(conflict.RecordID), resolution)
	if err != nil {
		r.logger.Warn("conflict resolution failed",
			zap.String("case_id", conflict.CaseID),
			zap.String("record_id", conflict.RecordID),
			zap.String("strategy", string(strategy)),
			zap.Error(err))
		return Outcome{}, err
	}
	settled, err := r.registry.Get(ctx, conflict.CaseID)
	if err != nil {
		return Outcome{}, err
	}
	r.logger.Info("conflict resolved",
		zap.String("case_id", conflict.CaseID),
		zap.String("record_id", conflict.RecordID),
		zap.String("strategy", string(strategy)),
		zap.Int64("resolved_version", resolved.Version))
	return Outcome{Case: settled, Record: resolved}, nil
}
