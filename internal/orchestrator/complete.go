package orchestrator

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/stopgate/internal/override"
	"github.com/ShayCichocki/stopgate/internal/session"
	"github.com/ShayCichocki/stopgate/internal/sign"
	"github.com/ShayCichocki/stopgate/internal/snapshot"
	"github.com/ShayCichocki/stopgate/internal/store"
)

// CompletionOutcome describes an issued termination flag.
type CompletionOutcome struct {
	Session  *session.Session `json:"-"`
	Flag     *session.Flag    `json:"flag"`
	FlagPath string           `json:"flag_path"`
}

// OverrideOutcome is the result of executing an emergency override.
type OverrideOutcome struct {
	Record   *override.Record `json:"record,omitempty"`
	Flag     *session.Flag    `json:"flag,omitempty"`
	FlagPath string           `json:"flag_path,omitempty"`
}

// Complete writes the signed termination flag for a ready session and
// discards the session.
func (e *Engine) Complete(ctx context.Context, key string) (*CompletionOutcome, error) {
	if _, err := e.sessions.Lookup(ctx, key); err != nil {
		return nil, err
	}
	kp, err := sign.LoadOrCreate(ctx, e.project.KeysDir(), e.lockCfg)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	path := e.project.FlagFile()
	var flag *session.Flag
	s, err := e.sessions.Complete(ctx, key, func(s *session.Session) error {
		f, err := session.WriteFlag(path, session.NewPipelineFlag(s, e.now()), kp)
		if err != nil {
			return err
		}
		flag = f
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.clearFailures(ctx, key)
	e.recordCompletion(ctx, store.Completion{
		AgentID:     s.AgentID,
		CompletedAt: flag.IssuedAt,
		Via:         store.ViaPipeline,
		Steps:       s.CompletedSteps,
	})
	e.emit(Event{Type: EventTerminationIssued, AgentID: s.AgentID, Message: path})
	return &CompletionOutcome{Session: s, Flag: flag, FlagPath: path}, nil
}

// CreateOverride stores a new emergency override.
func (e *Engine) CreateOverride(ctx context.Context, req override.Request) (*override.Record, error) {
	return e.overrides.Create(ctx, req)
}

// ExecuteOverride spends one use of key and writes the termination flag
// directly, bypassing the pipeline.
func (e *Engine) ExecuteOverride(ctx context.Context, key, reason string) (*OverrideOutcome, error) {
	kp, err := sign.LoadOrCreate(ctx, e.project.KeysDir(), e.lockCfg)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	path := e.project.FlagFile()
	var flag *session.Flag
	rec, err := e.overrides.Execute(ctx, key, reason, func(r *override.Record) error {
		f, err := session.WriteFlag(path, r.Flag(reason, e.now()), kp)
		if err != nil {
			return err
		}
		flag = f
		return nil
	})
	if err != nil {
		return &OverrideOutcome{Record: rec}, err
	}

	e.recordCompletion(ctx, store.Completion{
		AgentID:     rec.AgentID,
		CompletedAt: flag.IssuedAt,
		Via:         store.ViaOverride,
	})
	e.emit(Event{Type: EventTerminationIssued, AgentID: rec.AgentID, Message: path})
	return &OverrideOutcome{Record: rec, Flag: flag, FlagPath: path}, nil
}

// CheckOverride reports the state of an override without changing it.
func (e *Engine) CheckOverride(key string) (*override.Record, error) {
	return e.overrides.Check(key)
}

// VerifyTermination loads the termination flag and checks its signature.
func (e *Engine) VerifyTermination() (*session.Flag, error) {
	f, err := session.ReadFlag(e.project.FlagFile())
	if err != nil {
		return nil, err
	}
	if err := session.VerifyFlag(f, e.project.KeysDir()); err != nil {
		return f, err
	}
	return f, nil
}

// Snapshot captures the working tree and critical files.
func (e *Engine) Snapshot(ctx context.Context, description string) (*snapshot.Metadata, error) {
	return e.snapshots.Create(ctx, description)
}

// Rollback restores a snapshot. Restore failures are reported in the
// result, not as an error.
func (e *Engine) Rollback(ctx context.Context, id string, opts snapshot.RollbackOptions) (*snapshot.RollbackResult, error) {
	res, err := e.snapshots.Rollback(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		e.log("rollback of %s failed: %s", id, res.Error)
	}
	return res, nil
}

func (e *Engine) recordCompletion(ctx context.Context, c store.Completion) {
	_, err := e.store.WithState(ctx, func(doc *store.Document) (any, error) {
		doc.RecordCompletion(c)
		return nil, nil
	})
	if err != nil {
		e.log("record completion of %s: %v", c.AgentID, err)
	}
}
