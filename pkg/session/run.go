package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/xdt/pkg/services"
	"github.com/openfroyo/xdt/pkg/stores"
	"github.com/openfroyo/xdt/pkg/telemetry"
	"github.com/openfroyo/xdt/pkg/xdt"
)

// Run is one application of a transform script. Its Services container holds
// the capabilities published for the run and is torn down when Session.Run
// returns.
type Run struct {
	ID       string
	Script   string
	Services *services.Container
	Logger   *telemetry.Logger

	session *Session
}

// ConstructAs constructs typeName, checks it against base and hands the
// run's capabilities to the instance if it consumes them.
func (r *Run) ConstructAs(ctx context.Context, typeName string, base reflect.Type) (any, error) {
	r.session.mu.Lock()
	defer r.session.mu.Unlock()
	if r.session.closed {
		return nil, ErrClosed
	}

	v, err := r.session.construct(ctx, r.ID, typeName, base)
	if err != nil || v == nil {
		return v, err
	}
	if err := xdt.Bind(v, r.Services); err != nil {
		return nil, fmt.Errorf("%s: %w", typeName, err)
	}
	return v, nil
}

// ConstructIn is Run.ConstructAs with the base given by T.
func ConstructIn[T any](ctx context.Context, r *Run, typeName string) (T, error) {
	var zero T
	v, err := r.ConstructAs(ctx, typeName, reflect.TypeFor[T]())
	if err != nil || v == nil {
		return zero, err
	}
	return v.(T), nil
}

// Run executes fn with a fresh capability container. The container is torn
// down on every exit path; release failures are joined with the error from
// fn. The run is journaled when a journal is configured.
func (s *Session) Run(ctx context.Context, fn func(ctx context.Context, run *Run) error) (err error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	run := &Run{
		ID:      uuid.New().String(),
		Script:  s.registry.RelativePathRoot(),
		session: s,
	}
	run.Logger = s.logger.WithRunID(run.ID).WithScript(run.Script)

	ctx, span := s.tel.Tracer.StartRunSpan(ctx, run.ID, run.Script)
	defer span.End()
	ctx = s.tel.WithContext(ctx)

	started := time.Now()
	s.startRun(ctx, run)

	defer func() {
		if p := recover(); p != nil {
			s.finishRun(ctx, run, started, fmt.Errorf("run panicked: %v", p))
			telemetry.RecordError(span, fmt.Errorf("run panicked: %v", p))
			panic(p)
		}
		s.finishRun(ctx, run, started, err)
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
	}()

	return services.Scope(ctx, func(ctx context.Context, c *services.Container) error {
		run.Services = c
		return fn(ctx, run)
	})
}

func (s *Session) startRun(ctx context.Context, run *Run) {
	if s.journal != nil {
		record := &stores.Run{
			ID:         run.ID,
			ScriptPath: run.Script,
			Status:     stores.RunStatusRunning,
		}
		if err := s.journal.CreateRun(ctx, record); err != nil {
			run.Logger.WithError(err).Warn("Failed to journal run")
		}
	}

	s.tel.Metrics.RecordRunStarted()
	if err := s.tel.Events.PublishRunStarted(run.ID, run.Script); err != nil {
		run.Logger.WithError(err).Warn("Failed to publish run event")
	}
	run.Logger.Debug("Run started")
}

func (s *Session) finishRun(ctx context.Context, run *Run, started time.Time, runErr error) {
	duration := time.Since(started)

	var teardown *services.TeardownError
	if errors.As(runErr, &teardown) {
		s.tel.Metrics.RecordReleaseFailures(len(teardown.Failures))
		if err := s.tel.Events.PublishTeardownFailed(run.ID, len(teardown.Failures), teardown); err != nil {
			run.Logger.WithError(err).Warn("Failed to publish teardown event")
		}
		run.Logger.WithError(teardown).Warn("Capabilities failed to release")
	}

	status := stores.RunStatusCompleted
	var errMsg *string
	if runErr != nil {
		status = stores.RunStatusFailed
		msg := runErr.Error()
		errMsg = &msg
	}

	if s.journal != nil {
		if err := s.journal.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, status, errMsg); err != nil {
			run.Logger.WithError(err).Warn("Failed to journal run status")
		}
	}

	s.tel.Metrics.RecordRunCompleted(string(status), duration)

	var pubErr error
	if runErr != nil {
		pubErr = s.tel.Events.PublishRunFailed(run.ID, runErr.Error())
		run.Logger.WithError(runErr).Info("Run failed")
	} else {
		pubErr = s.tel.Events.PublishRunCompleted(run.ID, duration)
		run.Logger.Debug("Run completed")
	}
	if pubErr != nil {
		run.Logger.WithError(pubErr).Warn("Failed to publish run event")
	}
}
