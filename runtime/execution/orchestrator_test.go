package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/agentgov/runtime/agent"
	"goa.design/agentgov/runtime/agent/episode"
	episodeinmem "goa.design/agentgov/runtime/agent/episode/inmem"
	"goa.design/agentgov/runtime/agent/history"
	historyinmem "goa.design/agentgov/runtime/agent/history/inmem"
	"goa.design/agentgov/runtime/agent/model"
	"goa.design/agentgov/runtime/agent/model/routing"
	"goa.design/agentgov/runtime/agent/model/scripted"
	"goa.design/agentgov/runtime/agent/resolver"
	resolverinmem "goa.design/agentgov/runtime/agent/resolver/inmem"
	"goa.design/agentgov/runtime/agent/session"
	sessioninmem "goa.design/agentgov/runtime/agent/session/inmem"
	"goa.design/agentgov/runtime/agent/stream"
	"goa.design/agentgov/runtime/governance"
)

type (
	harness struct {
		orch      *Orchestrator
		dir       *resolverinmem.Directory
		client    *scripted.Client
		history   *historyinmem.Store
		sessions  *sessioninmem.Store
		recorder  *stream.Recorder
		submitter *recordingSubmitter
	}

	harnessOptions struct {
		respond     scripted.Responder
		openErr     error
		governor    Governor
		history     history.Store
		sessions    session.Manager
		broadcaster stream.Broadcaster
		client      model.Client
		selector    model.Selector
	}

	fixedGovernor struct {
		decision governance.Decision
	}

	recordingSubmitter struct {
		mu       sync.Mutex
		contexts []episode.Context
	}

	failingHistory struct{}

	failingSessions struct{}

	failingSelector struct{}

	// blockingClient streams one chunk then blocks until ctx is done.
	blockingClient struct{}

	blockingStreamer struct {
		ctx  context.Context
		sent bool
	}
)

func (g fixedGovernor) CanPerformAction(context.Context, *agent.Agent, string) governance.Decision {
	return g.decision
}

func (s *recordingSubmitter) Submit(_ context.Context, ec episode.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = append(s.contexts, ec)
	return true
}

func (s *recordingSubmitter) Contexts() []episode.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]episode.Context(nil), s.contexts...)
}

func (failingHistory) AddMessage(context.Context, *history.Message) error {
	return errors.New("database unavailable")
}

func (failingHistory) List(context.Context, string, string, int) (history.Page, error) {
	return history.Page{}, errors.New("database unavailable")
}

func (failingSessions) CreateOrReuse(context.Context, string, session.Owner) (string, error) {
	return "", errors.New("database unavailable")
}

func (failingSelector) AnalyzeComplexity(string) model.Complexity {
	return model.Complexity{Score: 0.5}
}

func (failingSelector) SelectProvider(model.Complexity) (model.Selection, error) {
	return model.Selection{}, routing.ErrNoRoute
}

func (blockingClient) Stream(ctx context.Context, _ *model.Request) (model.Streamer, error) {
	return &blockingStreamer{ctx: ctx}, nil
}

func (s *blockingStreamer) Recv() (model.Chunk, error) {
	if !s.sent {
		s.sent = true
		return model.Chunk{Text: "partial"}, nil
	}
	<-s.ctx.Done()
	return model.Chunk{}, s.ctx.Err()
}

func (s *blockingStreamer) Close() error { return nil }

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx := context.Background()

	dir := resolverinmem.New()
	for _, a := range []agent.Agent{
		{ID: "auto", Name: "Atlas", Maturity: agent.MaturityAutonomous, SystemPrompt: "You are Atlas."},
		{ID: "student", Name: "Sprout", Maturity: agent.MaturityStudent},
		{ID: "intern", Name: "Iris", Maturity: agent.MaturityIntern},
	} {
		require.NoError(t, dir.Register(ctx, a))
	}

	respond := opts.respond
	if respond == nil {
		respond = scripted.Chunks("Hel", "lo")
	}
	client := scripted.New(scripted.Options{Respond: respond, OpenErr: opts.openErr})
	router, err := routing.New(routing.Options{
		Tiers:     []routing.Tier{{MaxScore: 1, Provider: "scripted", Model: "scripted-1"}},
		Providers: map[string]model.Client{"scripted": client},
	})
	require.NoError(t, err)

	governor := opts.governor
	if governor == nil {
		svc, err := governance.NewService(governance.ServiceOptions{})
		require.NoError(t, err)
		governor = svc
	}
	sessions := sessioninmem.New()
	manager := opts.sessions
	if manager == nil {
		m, err := session.NewManager(session.ManagerOptions{Store: sessions})
		require.NoError(t, err)
		manager = m
	}
	hist := historyinmem.New()
	var store history.Store = hist
	if opts.history != nil {
		store = opts.history
	}
	recorder := stream.NewRecorder()
	var broadcaster stream.Broadcaster = recorder
	if opts.broadcaster != nil {
		broadcaster = opts.broadcaster
	}
	var selector model.Selector = router
	if opts.selector != nil {
		selector = opts.selector
	}
	var mc model.Client = router
	if opts.client != nil {
		mc = opts.client
	}
	submitter := &recordingSubmitter{}

	ids := 0
	var idMu sync.Mutex
	orch, err := New(Options{
		Resolver:    dir,
		Governance:  governor,
		Selector:    selector,
		Client:      mc,
		History:     store,
		Sessions:    manager,
		Broadcaster: broadcaster,
		Episodes:    submitter,
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			ids++
			return fmt.Sprintf("id-%d", ids)
		},
	})
	require.NoError(t, err)

	return &harness{
		orch:      orch,
		dir:       dir,
		client:    client,
		history:   hist,
		sessions:  sessions,
		recorder:  recorder,
		submitter: submitter,
	}
}

func (h *harness) historyOf(t *testing.T, sessionID string) []*history.Message {
	t.Helper()
	if sessionID == "" {
		return nil
	}
	page, err := h.history.List(context.Background(), sessionID, "", 100)
	require.NoError(t, err)
	return page.Messages
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.ErrorContains(t, err, "resolver is required")
}

func TestExecuteValidatesRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	_, err := h.orch.Execute(ctx, nil)
	require.Error(t, err)
	_, err = h.orch.Execute(ctx, &Request{UserID: "u1", Message: "  "})
	require.ErrorContains(t, err, "message is required")
	_, err = h.orch.Execute(ctx, &Request{Message: "hi"})
	require.ErrorContains(t, err, "user id is required")
}

func TestExecuteStreamsAndPersists(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	res, err := h.orch.Execute(context.Background(), &Request{
		AgentID: "auto",
		Message: "hello there",
		UserID:  "u1",
		Stream:  true,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NoError(t, res.Err())
	require.Equal(t, OutcomeOK, res.Outcome)
	require.Equal(t, StateComplete, res.State)
	require.Equal(t, "Hello", res.Response)
	require.Equal(t, 2, res.Tokens)
	require.Equal(t, "auto", res.AgentID)
	require.Equal(t, "Atlas", res.AgentName)
	require.Equal(t, "scripted", res.Provider)
	require.Equal(t, "scripted-1", res.Model)
	require.NotEmpty(t, res.ExecutionID)
	require.NotEmpty(t, res.MessageID)
	require.NotEmpty(t, res.SessionID)

	require.Equal(t, []stream.EventType{
		stream.EventStart, stream.EventUpdate, stream.EventUpdate, stream.EventComplete,
	}, h.recorder.Types())
	for _, rec := range h.recorder.Events() {
		require.Equal(t, "user:u1", rec.Channel)
		require.Equal(t, res.MessageID, rec.Event.MessageID())
		require.Equal(t, res.ExecutionID, rec.Event.ExecutionID())
	}
	events := h.recorder.Events()
	start := events[0].Event.(stream.Start)
	require.Equal(t, "Atlas", start.Data.AgentName)
	complete := events[3].Event.(stream.Complete)
	require.True(t, complete.Data.Complete)
	require.Equal(t, "Hello", complete.Data.Content)
	require.Equal(t, 2, complete.Data.Metadata.TokensTotal)
	require.Empty(t, complete.Data.Metadata.Error)

	msgs := h.historyOf(t, res.SessionID)
	require.Len(t, msgs, 2)
	require.Equal(t, model.RoleUser, msgs[0].Role)
	require.Equal(t, "hello there", msgs[0].Content)
	require.Equal(t, model.RoleAssistant, msgs[1].Role)
	require.Equal(t, "Hello", msgs[1].Content)
	require.Equal(t, res.MessageID, msgs[1].ID)
	require.Equal(t, res.ExecutionID, msgs[1].Metadata["execution_id"])

	eps := h.submitter.Contexts()
	require.Len(t, eps, 1)
	require.Equal(t, res.ExecutionID, eps[0].ExecutionID)
	require.Equal(t, "Hello", eps[0].Response)
	require.Equal(t, res.SessionID, eps[0].SessionID)
}

func TestExecuteBuildsModelConversation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	_, err := h.orch.Execute(context.Background(), &Request{
		AgentID: "auto",
		Message: "and now?",
		UserID:  "u1",
		History: []model.Message{
			{Role: model.RoleUser, Content: "first"},
			{Role: model.RoleAssistant, Content: "answer"},
		},
	})
	require.NoError(t, err)

	reqs := h.client.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, []model.Message{
		{Role: model.RoleSystem, Content: "You are Atlas."},
		{Role: model.RoleUser, Content: "first"},
		{Role: model.RoleAssistant, Content: "answer"},
		{Role: model.RoleUser, Content: "and now?"},
	}, reqs[0].Messages)
	require.Equal(t, "scripted-1", reqs[0].Model)
}

func TestExecuteBlockedByGovernance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{governor: fixedGovernor{decision: governance.Decision{
		Reason: "STUDENT agents cannot perform this action",
	}}})
	res, err := h.orch.Execute(context.Background(), &Request{
		AgentID:   "student",
		Message:   "delete everything",
		UserID:    "u1",
		SessionID: "s1",
		Stream:    true,
	})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, OutcomeBlocked, res.Outcome)
	require.Equal(t, StateBlocked, res.State)
	require.Empty(t, res.ExecutionID)
	require.Contains(t, res.Error, "blocked")
	require.Contains(t, res.Error, "governance")
	require.Contains(t, res.Error, "STUDENT agents cannot perform this action")
	require.ErrorIs(t, res.Err(), ErrGovernanceBlocked)
	require.Equal(t, "Sprout", res.AgentName)

	require.Empty(t, h.recorder.Events())
	require.Empty(t, h.client.Requests())
	require.Empty(t, h.historyOf(t, "s1"))
	require.Empty(t, h.submitter.Contexts())
	_, err = h.sessions.LoadSession(context.Background(), "s1")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestExecuteGovernanceActions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	res, err := h.orch.Execute(ctx, &Request{AgentID: "student", Message: "hi", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeBlocked, res.Outcome, "stream_chat requires INTERN")

	res, err = h.orch.Execute(ctx, &Request{AgentID: "student", Message: "hi", UserID: "u1", Action: "search"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.RequiresSupervision)

	res, err = h.orch.Execute(ctx, &Request{AgentID: "intern", Message: "hi", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.RequiresSupervision)
}

func TestExecuteResolutionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	res, err := h.orch.Execute(context.Background(), &Request{AgentID: "missing", Message: "hi", UserID: "u1", Stream: true})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, FailureResolution, res.FailureKind)
	require.Equal(t, "agent not found", res.Error)
	require.Equal(t, "missing", res.AgentID)
	require.ErrorIs(t, res.Err(), ErrResolution)
	require.Empty(t, res.ExecutionID)
	require.Empty(t, h.recorder.Events())
}

func TestExecuteFallsBackToDefaultAgent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	require.NoError(t, h.dir.SetSystemDefault("auto"))

	res, err := h.orch.Execute(context.Background(), &Request{Message: "hi", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "auto", res.AgentID)
}

func TestExecuteModelSelectionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{selector: failingSelector{}})
	res, err := h.orch.Execute(context.Background(), &Request{AgentID: "auto", Message: "hi", UserID: "u1", Stream: true})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, FailureModelSelection, res.FailureKind)
	require.NotEmpty(t, res.ExecutionID)
	require.ErrorIs(t, res.Err(), ErrModelSelection)
	require.Empty(t, h.recorder.Events())
	require.Empty(t, h.client.Requests())
}

func TestExecuteStreamFailureStillCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{respond: scripted.FailAfter(errors.New("upstream reset"), "a")})
	res, err := h.orch.Execute(context.Background(), &Request{AgentID: "auto", Message: "hi", UserID: "u1", SessionID: "s1", Stream: true})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, FailureStream, res.FailureKind)
	require.Empty(t, res.Response)
	require.NotEmpty(t, res.ExecutionID)
	require.Contains(t, res.Error, "upstream reset")
	require.ErrorIs(t, res.Err(), ErrStream)

	types := h.recorder.Types()
	require.Equal(t, []stream.EventType{stream.EventStart, stream.EventUpdate, stream.EventComplete}, types)
	complete := h.recorder.Events()[2].Event.(stream.Complete)
	require.Equal(t, "a", complete.Data.Content)
	require.Equal(t, 1, complete.Data.Metadata.TokensTotal)
	require.Contains(t, complete.Data.Metadata.Error, "upstream reset")

	require.Empty(t, h.historyOf(t, "s1"))
	require.Empty(t, h.submitter.Contexts())
}

func TestExecuteStreamOpenFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{openErr: model.ErrRateLimited})
	res, err := h.orch.Execute(context.Background(), &Request{AgentID: "auto", Message: "hi", UserID: "u1", Stream: true})
	require.NoError(t, err)
	require.Equal(t, FailureStream, res.FailureKind)
	require.Equal(t, []stream.EventType{stream.EventStart, stream.EventComplete}, h.recorder.Types())
}

func TestExecuteCanceledMidStream(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recorder := stream.NewRecorder()
	broadcaster := stream.BroadcasterFunc(func(ctx context.Context, ch string, ev stream.Event) error {
		if ev.Type() == stream.EventUpdate {
			cancel()
		}
		if ev.Type() == stream.EventComplete && ctx.Err() != nil {
			return ctx.Err()
		}
		return recorder.Broadcast(ctx, ch, ev)
	})
	h := newHarness(t, harnessOptions{client: blockingClient{}, broadcaster: broadcaster})

	done := make(chan *Result, 1)
	go func() {
		res, _ := h.orch.Execute(ctx, &Request{AgentID: "auto", Message: "hi", UserID: "u1", Stream: true})
		done <- res
	}()
	var res *Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop after cancellation")
	}
	require.False(t, res.Success)
	require.Equal(t, FailureStream, res.FailureKind)
	require.Equal(t, []stream.EventType{stream.EventStart, stream.EventUpdate, stream.EventComplete}, recorder.Types())
	complete := recorder.Events()[2].Event.(stream.Complete)
	require.Equal(t, "partial", complete.Data.Content)
}

func TestExecuteWithoutStreamingEmitsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	res, err := h.orch.Execute(context.Background(), &Request{AgentID: "auto", Message: "hi", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "Hello", res.Response)
	require.Equal(t, 2, res.Tokens)
	require.Empty(t, h.recorder.Events())
	require.Len(t, h.historyOf(t, res.SessionID), 2)
}

func TestExecuteReusesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	first, err := h.orch.Execute(ctx, &Request{AgentID: "auto", Message: "one", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "s1", first.SessionID)
	second, err := h.orch.Execute(ctx, &Request{AgentID: "auto", Message: "two", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "s1", second.SessionID)
	require.Len(t, h.historyOf(t, "s1"), 4)
}

func TestExecutePersistenceFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{history: failingHistory{}, sessions: failingSessions{}})
	res, err := h.orch.Execute(context.Background(), &Request{AgentID: "auto", Message: "hi", UserID: "u1", SessionID: "s1", Stream: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "Hello", res.Response)
	require.Equal(t, "s1", res.SessionID)
	require.Len(t, h.submitter.Contexts(), 1)
}

func TestExecuteEpisodeFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	var calls sync.WaitGroup
	calls.Add(1)
	sched, err := episode.NewScheduler(episode.SchedulerOptions{
		Trigger: episode.TriggerFunc(func(context.Context, episode.Context) error {
			defer calls.Done()
			return errors.New("memory store down")
		}),
		Workers: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Close(context.Background()) })

	h := newHarness(t, harnessOptions{})
	h.orch.episodes = sched
	res, err := h.orch.Execute(context.Background(), &Request{AgentID: "auto", Message: "hi", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, res.Success)
	calls.Wait()
}

func TestExecuteCreatesEpisode(t *testing.T) {
	t.Parallel()

	store := episodeinmem.New()
	sched, err := episode.NewScheduler(episode.SchedulerOptions{Trigger: store, Workers: 1})
	require.NoError(t, err)

	h := newHarness(t, harnessOptions{})
	h.orch.episodes = sched
	res, err := h.orch.Execute(context.Background(), &Request{AgentID: "auto", Message: "hi", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, sched.Close(context.Background()))

	eps := store.List("auto")
	require.Len(t, eps, 1)
	require.Equal(t, res.ExecutionID, eps[0].ExecutionID)
}

func TestExecuteConcurrently(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	const n = 32
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.orch.Execute(context.Background(), &Request{
				AgentID: "auto",
				Message: "hi",
				UserID:  fmt.Sprintf("u%d", i),
				Stream:  true,
			})
			if err == nil {
				results[i] = res
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, res := range results {
		require.NotNil(t, res)
		require.True(t, res.Success)
		seen[res.ExecutionID] = struct{}{}
	}
	require.Len(t, seen, n)
	require.Len(t, h.recorder.Events(), n*4)
}

func TestResultErr(t *testing.T) {
	t.Parallel()

	require.NoError(t, (&Result{Outcome: OutcomeOK}).Err())
	err := (&Result{Outcome: OutcomeBlocked, Error: "blocked by governance: nope"}).Err()
	require.EqualError(t, err, "blocked by governance: nope")
	require.ErrorIs(t, err, ErrGovernanceBlocked)
	require.ErrorIs(t, (&Result{Outcome: OutcomeFailed, FailureKind: FailureResolution}).Err(), ErrResolution)
	require.True(t, StateBlocked.Terminal())
	require.False(t, StateStreaming.Terminal())
}

func TestStreamingEventOrderProperty(t *testing.T) {
	t.Parallel()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("start first, updates in order, one complete last", prop.ForAll(
		func(chunks []string) bool {
			h := newHarness(t, harnessOptions{respond: scripted.Chunks(chunks...)})
			res, err := h.orch.Execute(context.Background(), &Request{AgentID: "auto", Message: "hi", UserID: "u1", Stream: true})
			if err != nil || !res.Success {
				return false
			}
			events := h.recorder.Events()
			if len(events) != len(chunks)+2 {
				return false
			}
			if events[0].Event.Type() != stream.EventStart {
				return false
			}
			for i, c := range chunks {
				up, ok := events[i+1].Event.(stream.Update)
				if !ok || up.Data.Delta != c {
					return false
				}
			}
			complete, ok := events[len(events)-1].Event.(stream.Complete)
			if !ok {
				return false
			}
			for _, e := range events {
				if e.Event.MessageID() != res.MessageID {
					return false
				}
			}
			want := strings.Join(chunks, "")
			return complete.Data.Content == want &&
				res.Response == want &&
				complete.Data.Metadata.TokensTotal == len(chunks) &&
				res.Tokens == len(chunks)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

var _ resolver.Resolver = (*resolverinmem.Directory)(nil)
