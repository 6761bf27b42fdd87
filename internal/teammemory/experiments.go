package teammemory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"syscall"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"github.com/agentfleet/fleet/internal/core"
	"github.com/agentfleet/fleet/internal/ptyd"
	"github.com/agentfleet/fleet/internal/types"
)

// ExperimentRunner spawns named-profile experiments as isolated PTY
// processes under a dedicated daemon and binds their result to a claim as
// evidence (spec §4.4.5). It is a thin orchestration layer over ptyd.Daemon,
// the same process-ownership primitive the main PTY Daemon uses for
// interactive panes.
type ExperimentRunner struct {
	store  *Store
	daemon *ptyd.Daemon
	ws     core.Workspace
}

// NewExperimentRunner builds a runner that spawns experiment panes through
// daemon and stores artifacts under ws.ExperimentDir.
func NewExperimentRunner(store *Store, daemon *ptyd.Daemon, ws core.Workspace) *ExperimentRunner {
	return &ExperimentRunner{store: store, daemon: daemon, ws: ws}
}

// RunExperimentRequest is the input to RunExperiment (spec §4.4.5
// runExperiment).
type RunExperimentRequest struct {
	ProfileID      string
	Profile        core.ExperimentProfile
	Args           map[string]any
	ClaimID        string
	Relation       types.EvidenceRelation
	RequestedBy    string
	RepoRevision   string
	IdempotencyKey string
}

type createExperimentArgs struct {
	Experiment types.Experiment `json:"experiment"`
}

// RunExperiment validates args against the profile's parameter allowlist
// schema, spawns an isolated PTY under the experiment profile's command,
// enforces the profile's timeout, and records the run's final status and
// exit code. It does not write the run's output to the artifact directory
// and does not bind the outcome to ClaimID as evidence; that link is made
// by BindExperimentEvidence.
//
// Neither this function nor its callers (the experiment command and
// fleet-mcp) limit how many runs execute at once.
func (r *ExperimentRunner) RunExperiment(ctx context.Context, req RunExperimentRequest) (types.Experiment, error) {
	if err := validateExperimentArgs(req.Profile, req.Args); err != nil {
		return types.Experiment{}, fmt.Errorf("invalid experiment args: %w", err)
	}

	runID := uuid.NewString()
	exp := types.Experiment{
		RunID:              runID,
		ProfileID:          req.ProfileID,
		Args:               req.Args,
		ClaimID:            req.ClaimID,
		Relation:           req.Relation,
		RequestedBy:        r.store.Canonical(req.RequestedBy),
		IdempotencyKey:     req.IdempotencyKey,
		RepositoryRevision: req.RepoRevision,
		Status:             types.ExperimentQueued,
		CreatedAt:          types.NowMs(),
		UpdatedAt:          types.NowMs(),
	}
	if err := r.store.mutate("createExperiment", req.IdempotencyKey, createExperimentArgs{Experiment: exp}, func(tx *sql.Tx) error {
		return insertExperiment(tx, exp)
	}); err != nil {
		return types.Experiment{}, err
	}

	artifactDir := r.ws.ExperimentDir(runID)
	result, runErr := r.execute(ctx, runID, req.Profile, req.Args, artifactDir)

	exp.Status = result.status
	exp.ExitCode = result.exitCode
	exp.UpdatedAt = types.NowMs()
	if err := r.store.markExperimentFinished(exp); err != nil {
		return exp, err
	}
	return exp, runErr
}

type executionResult struct {
	status   types.ExperimentStatus
	exitCode *int
}

func (r *ExperimentRunner) execute(ctx context.Context, runID string, profile core.ExperimentProfile, args map[string]any, artifactDir string) (executionResult, error) {
	paneID := "experiment-" + runID
	env := map[string]string{}
	for k, v := range argsToEnv(args) {
		env[k] = v
	}

	spawn := r.daemon.Spawn(ptyd.SpawnRequest{
		PaneID:          paneID,
		Role:            types.RoleBackground,
		CommandTemplate: profile.Command,
		Env:             env,
		WorkDir:         profile.WorkingDir,
		Cols:            80,
		Rows:            24,
	})
	if !spawn.OK {
		return executionResult{status: types.ExperimentFailed}, fmt.Errorf("spawn experiment: %s", spawn.Error)
	}

	timeout := time.Duration(profile.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub, err := r.daemon.Subscribe(paneID, 256)
	if err != nil {
		return executionResult{status: types.ExperimentFailed}, err
	}
	defer r.daemon.Unsubscribe(paneID, sub.ID)

	for {
		select {
		case <-runCtx.Done():
			_ = r.daemon.Kill(context.Background(), paneID, syscall.SIGTERM, "experiment_timeout")
			return executionResult{status: types.ExperimentTimedOut}, fmt.Errorf("experiment %s timed out", runID)
		case ev, ok := <-sub.Events:
			if !ok {
				return executionResult{status: types.ExperimentFailed}, fmt.Errorf("experiment %s subscriber channel closed", runID)
			}
			if ev.Down != nil {
				code := ev.Down.ExitCode
				status := types.ExperimentSucceeded
				if code != 0 {
					status = types.ExperimentFailed
				}
				return executionResult{status: status, exitCode: &code}, nil
			}
		}
	}
}

func argsToEnv(args map[string]any) map[string]string {
	out := map[string]string{}
	for k, v := range args {
		out["FLEET_EXPERIMENT_ARG_"+k] = fmt.Sprintf("%v", v)
	}
	return out
}

// validateExperimentArgs enforces the profile's declared parameter
// allowlist (spec §4.4.5 "args are validated against a profile-declared
// schema; unknown parameters are rejected"). ParamsSchema is stored as a
// raw JSON Schema document in config; it is compiled into a
// jsonschema-go Schema and resolved on every call rather than cached,
// since experiment runs are infrequent relative to config reloads.
func validateExperimentArgs(profile core.ExperimentProfile, args map[string]any) error {
	if len(profile.ParamsSchema) == 0 {
		if len(args) > 0 {
			return fmt.Errorf("profile %q declares no parameters but args were supplied", profile.ID)
		}
		return nil
	}
	schemaJSON, err := json.Marshal(profile.ParamsSchema)
	if err != nil {
		return err
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return fmt.Errorf("parse params schema for profile %q: %w", profile.ID, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema for profile %q: %w", profile.ID, err)
	}
	return resolved.Validate(args)
}

func insertExperiment(tx *sql.Tx, e types.Experiment) error {
	argsJSON, err := json.Marshal(e.Args)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT OR IGNORE INTO experiments
		(run_id, idempotency_key, profile_id, args, claim_id, relation, requested_by, repository_revision,
		 status, exit_code, evidence_event_ref, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.RunID, e.IdempotencyKey, e.ProfileID, string(argsJSON), nullableStr(e.ClaimID), nullableStr(string(e.Relation)),
		e.RequestedBy, nullableStr(e.RepositoryRevision), string(e.Status), nullableIntPtr(e.ExitCode),
		nullableStr(e.EvidenceEventRef), e.CreatedAt, e.UpdatedAt)
	return err
}

func nullableIntPtr(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func (s *Store) markExperimentFinished(e types.Experiment) error {
	idempotencyKey := fmt.Sprintf("experiment-finish:%s", e.RunID)
	return s.mutate("finishExperiment", idempotencyKey, createExperimentArgs{Experiment: e}, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE experiments SET status = ?, exit_code = ?, evidence_event_ref = ?, updated_at = ? WHERE run_id = ?`,
			string(e.Status), nullableIntPtr(e.ExitCode), nullableStr(e.EvidenceEventRef), e.UpdatedAt, e.RunID)
		return err
	})
}

// BindExperimentEvidence records the Evidence Ledger event reference that
// resulted from an experiment run, linking it to the claim if one was
// given at RunExperiment time (spec §4.4.5 "experiment.completed events
// are bound to the originating claim as evidence").
func (s *Store) BindExperimentEvidence(runID, evidenceEventRef string) error {
	row := s.db.QueryRow(`SELECT claim_id, relation, requested_by FROM experiments WHERE run_id = ?`, runID)
	var claimID, relation, requestedBy sql.NullString
	if err := row.Scan(&claimID, &relation, &requestedBy); err != nil {
		return err
	}
	idempotencyKey := fmt.Sprintf("experiment-evidence:%s", runID)
	err := s.mutate("bindExperimentEvidence", idempotencyKey, bindEvidenceArgs{RunID: runID, EvidenceEventRef: evidenceEventRef}, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE experiments SET evidence_event_ref = ? WHERE run_id = ?`, evidenceEventRef, runID)
		return err
	})
	if err != nil {
		return err
	}
	if claimID.Valid && claimID.String != "" {
		return s.AddEvidence(claimID.String, evidenceEventRef, types.EvidenceRelation(relation.String), 1.0, requestedBy.String)
	}
	return nil
}

type bindEvidenceArgs struct {
	RunID            string `json:"runId"`
	EvidenceEventRef string `json:"evidenceEventRef"`
}

func (s *Store) replayExperiments(m mutation) (bool, error) {
	switch m.Op {
	case "createExperiment", "finishExperiment":
		var a createExperimentArgs
		if err := json.Unmarshal(m.Args, &a); err != nil {
			return true, err
		}
		if m.Op == "createExperiment" {
			return true, s.applyInTx(func(tx *sql.Tx) error { return insertExperiment(tx, a.Experiment) })
		}
		return true, s.applyInTx(func(tx *sql.Tx) error {
			_, err := tx.Exec(`UPDATE experiments SET status = ?, exit_code = ?, evidence_event_ref = ?, updated_at = ? WHERE run_id = ?`,
				string(a.Experiment.Status), nullableIntPtr(a.Experiment.ExitCode), nullableStr(a.Experiment.EvidenceEventRef), a.Experiment.UpdatedAt, a.Experiment.RunID)
			return err
		})
	case "bindExperimentEvidence":
		var a bindEvidenceArgs
		if err := json.Unmarshal(m.Args, &a); err != nil {
			return true, err
		}
		return true, s.applyInTx(func(tx *sql.Tx) error {
			_, err := tx.Exec(`UPDATE experiments SET evidence_event_ref = ? WHERE run_id = ?`, a.EvidenceEventRef, a.RunID)
			return err
		})
	default:
		return false, nil
	}
}
