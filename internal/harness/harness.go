package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/winklet/internal/engine"
	"github.com/roach88/winklet/internal/model"
	"github.com/roach88/winklet/internal/push"
	"github.com/roach88/winklet/internal/store"
	"github.com/roach88/winklet/internal/testutil"
)

// DefaultStepTimeout bounds how long one step may take to settle.
const DefaultStepTimeout = 10 * time.Second

// harnessPolicy reconnects within milliseconds so outage scenarios settle
// quickly.
var harnessPolicy = engine.ReconnectPolicy{
	Attempts:  3,
	BaseDelay: time.Millisecond,
	MaxDelay:  4 * time.Millisecond,
}

// errStorageOffline is returned by the harness storage while set_storage
// has taken it down.
var errStorageOffline = errors.New("storage offline")

// Harness is the scenario execution engine.
// It runs one scenario against a real engine, store and push broker with a
// deterministic clock and sequential ids.
type Harness struct {
	store   *store.Store
	storage *switchableStorage
	broker  *push.Broker
	engine  *engine.Engine
	clock   *testutil.DeterministicClock
	logger  *slog.Logger
	timeout time.Duration

	seq      int64
	aliases  map[string]string
	sessions map[string]*engine.Session

	mu      sync.Mutex
	notices []engine.NewMatch
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh SQLite database in a temporary directory.
// Deterministic helpers ensure reproducible traces.
//
// Execution flow:
// 1. Create fresh database, broker and engine
// 2. Execute setup steps (store writes)
// 3. Start the engine and execute flow steps, settling after each
// 4. Evaluate assertions
// 5. Stop the engine and return the result
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller context bounding the whole scenario.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "winklet-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	clock := testutil.NewDeterministicClock(testutil.DefaultEpoch, time.Second)
	broker := push.NewBroker()
	defer broker.Close()

	st, err := store.Open(filepath.Join(dir, "scenario.db"),
		store.WithClock(clock.Now),
		store.WithIDGenerator(store.NewSequentialGenerator("id")),
		store.WithPublisher(broker),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:    st,
		storage:  &switchableStorage{Store: st},
		broker:   broker,
		clock:    clock,
		logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
		timeout:  DefaultStepTimeout,
		aliases:  make(map[string]string),
		sessions: make(map[string]*engine.Session),
	}

	result := NewResult()
	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	h.engine = engine.New(h.storage, broker, h.engineOptions(scenario.Engine)...)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- h.engine.Run(runCtx) }()
	defer func() {
		h.engine.Stop()
		<-runDone
	}()
	h.engine.OnNewMatch(h.recordNotice)

	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{
		Ctx:      ctx,
		Store:    st,
		Engine:   h.engine,
		Sessions: h.sessions,
		Aliases:  h.aliases,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func (h *Harness) engineOptions(s EngineSettings) []engine.Option {
	policy := harnessPolicy
	if s.ReconnectAttempts > 0 {
		policy.Attempts = s.ReconnectAttempts
	}
	if s.ReconnectDelay > 0 {
		policy.BaseDelay = s.ReconnectDelay
		policy.MaxDelay = 4 * s.ReconnectDelay
	}
	opts := []engine.Option{
		engine.WithReconnectPolicy(policy),
		engine.WithClock(h.clock.Now),
	}
	if len(s.AllowedRadii) > 0 {
		opts = append(opts, engine.WithAllowedRadii(s.AllowedRadii...))
	}
	return opts
}

func (h *Harness) next() int64 {
	h.seq++
	return h.seq
}

// recordNotice runs on the engine notifier goroutine.
func (h *Harness) recordNotice(nm engine.NewMatch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, nm)
}

// flushNotices moves notifications delivered since the last flush into the
// trace.
func (h *Harness) flushNotices(result *Result) {
	h.mu.Lock()
	notices := h.notices
	h.notices = nil
	h.mu.Unlock()

	for _, nm := range notices {
		payload := map[string]interface{}{
			"match":        nm.MatchID,
			"counterparty": nm.CounterpartyID,
		}
		if nm.Located {
			payload["coords"] = nm.Coords()
		}
		result.AddNotificationTrace("new_match", payload, h.next())
	}
}

// executeSetup runs all setup steps.
//
// Setup steps are store writes made before the engine starts. A failing
// setup step aborts the scenario.
func (h *Harness) executeSetup(ctx context.Context, setup []ActionStep, result *Result) error {
	for i, step := range setup {
		result.AddInvocationTrace(step.Action, step.Args, h.next())

		write := setupActions[step.Action]
		args, err := h.resolve(step.Args)
		if err != nil {
			return fmt.Errorf("setup step %d: %w", i, err)
		}
		out, err := write(ctx, h, args)
		if err != nil {
			return fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}

		result.AddCompletionTrace(CaseSuccess, out, h.next())
		h.logger.Debug("setup step completed", "step", i, "action", step.Action)
	}
	return nil
}

// executeFlow runs all flow steps and validates expect clauses.
//
// Each step:
// 1. Records the invocation
// 2. Runs the action against the engine, store or broker
// 3. Settles the engine
// 4. Records the completion and any notifications delivered meanwhile
// 5. Compares the outcome with the expect clause
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		result.AddInvocationTrace(step.Invoke, step.Args, h.next())

		stepCtx, cancel := context.WithTimeout(ctx, h.timeout)
		out, runErr := h.runStep(stepCtx, step)
		settleErr := h.engine.Settle(stepCtx)
		cancel()
		if settleErr != nil {
			return fmt.Errorf("flow step %d (%s): engine did not settle: %w", i, step.Invoke, settleErr)
		}

		outcome := outcomeCase(runErr)
		result.AddCompletionTrace(outcome, out, h.next())
		h.flushNotices(result)

		expected := ExpectClause{Case: CaseSuccess}
		if step.Expect != nil {
			expected = *step.Expect
		}
		if outcome != expected.Case {
			msg := fmt.Sprintf("flow[%d] %s: expected case %s, got %s", i, step.Invoke, expected.Case, outcome)
			if runErr != nil {
				msg += fmt.Sprintf(" (%v)", runErr)
			}
			result.AddError(msg)
			continue
		}
		if !matchArgs(out, expected.Result) {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected result %s, got %s",
				i, step.Invoke, describeArgs(expected.Result), describeArgs(out)))
		}
	}
	return nil
}

// runStep resolves aliases and dispatches one flow step.
func (h *Harness) runStep(ctx context.Context, step FlowStep) (map[string]interface{}, error) {
	args, err := h.resolve(step.Args)
	if err != nil {
		return nil, err
	}
	return flowActions[step.Invoke](ctx, h, args)
}

// outcomeCase maps an engine error onto an expect case name.
func outcomeCase(err error) string {
	switch {
	case err == nil:
		return CaseSuccess
	case engine.IsValidation(err):
		return CaseValidation
	case engine.IsNotFound(err):
		return CaseNotFound
	case engine.IsTransport(err):
		return CaseTransport
	default:
		return CaseError
	}
}

// resolve returns a copy of args with "$alias" strings replaced by the ids
// they were bound to.
func (h *Harness) resolve(args map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		s, ok := v.(string)
		if !ok || len(s) < 2 || s[0] != '$' {
			out[k] = v
			continue
		}
		id, ok := h.aliases[s[1:]]
		if !ok {
			return nil, fmt.Errorf("arg %s: unknown alias %q", k, s)
		}
		out[k] = id
	}
	return out, nil
}

// bind records the id under the "as" alias, if one was given.
func (h *Harness) bind(args map[string]interface{}, id string) {
	if as, ok := args["as"].(string); ok && as != "" {
		h.aliases[as] = id
	}
}

// session returns the open chat for a match id.
func (h *Harness) session(args map[string]interface{}) (*engine.Session, error) {
	matchID, err := stringArg(args, "match", true)
	if err != nil {
		return nil, err
	}
	s, ok := h.sessions[matchID]
	if !ok {
		return nil, fmt.Errorf("no chat opened for match %s", matchID)
	}
	return s, nil
}

// switchableStorage is the engine's storage. set_storage takes it offline to
// exercise transport failures while other parties keep writing to the store.
type switchableStorage struct {
	*store.Store
	mu      sync.RWMutex
	offline bool
}

func (s *switchableStorage) setOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func (s *switchableStorage) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return errStorageOffline
	}
	return nil
}

func (s *switchableStorage) InsertWink(ctx context.Context, d model.WinkDraft) (model.Wink, error) {
	if err := s.check(); err != nil {
		return model.Wink{}, err
	}
	return s.Store.InsertWink(ctx, d)
}

func (s *switchableStorage) InsertMessage(ctx context.Context, d model.MessageDraft) (model.Message, error) {
	if err := s.check(); err != nil {
		return model.Message{}, err
	}
	return s.Store.InsertMessage(ctx, d)
}

func (s *switchableStorage) ListWinks(ctx context.Context, ownerID string) ([]model.Wink, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Store.ListWinks(ctx, ownerID)
}

func (s *switchableStorage) ListMatches(ctx context.Context, userID string) ([]model.Match, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Store.ListMatches(ctx, userID)
}

func (s *switchableStorage) ListMessages(ctx context.Context, matchID string) ([]model.Message, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Store.ListMessages(ctx, matchID)
}

func (s *switchableStorage) GetMatch(ctx context.Context, id string) (model.Match, bool, error) {
	if err := s.check(); err != nil {
		return model.Match{}, false, err
	}
	return s.Store.GetMatch(ctx, id)
}

func (s *switchableStorage) GetWink(ctx context.Context, id string) (model.Wink, bool, error) {
	if err := s.check(); err != nil {
		return model.Wink{}, false, err
	}
	return s.Store.GetWink(ctx, id)
}
