package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/chatrelay/internal/agent"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/ledger"
	"github.com/ashureev/chatrelay/internal/moderation"
	"github.com/ashureev/chatrelay/internal/session"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource int

func (f fixedSource) IntN(n int) int { return int(f) % n }

const (
	winningDraw = fixedSource(0)
	losingDraw  = fixedSource(3)
)

type fakeModel struct {
	mu       sync.Mutex
	requests []agent.Completion
	reply    string
	used     uint64
	err      error
}

func (m *fakeModel) Complete(_ context.Context, req agent.Completion) (*agent.CompletionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return &agent.CompletionResult{Text: m.reply, TokensUsed: m.used}, nil
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type fakeClassifier struct {
	categories moderation.Categories
	err        error
}

func (c fakeClassifier) Classify(context.Context, string) (moderation.Categories, error) {
	return c.categories, c.err
}

type recordingSender struct {
	mu   sync.Mutex
	sent []domain.Outbound
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg domain.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return r.err
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, m := range r.sent {
		out = append(out, m.Text)
	}
	return out
}

// failingRepo loads a balance but refuses every write.
type failingRepo struct{ credits int64 }

func (f failingRepo) LoadCredits(context.Context) (int64, bool, error) { return f.credits, true, nil }
func (failingRepo) SaveCredits(context.Context, int64) error           { return errors.New("disk full") }
func (failingRepo) Ping(context.Context) error                         { return nil }
func (failingRepo) Close() error                                       { return nil }

type harness struct {
	orch     *Orchestrator
	sessions *session.Store
	ledger   *ledger.Ledger
	model    *fakeModel
	out      *recordingSender
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	credits    uint64
	draw       session.Source
	classifier fakeClassifier
	repo       store.Repository
}

func withCredits(n uint64) harnessOption {
	return func(c *harnessConfig) { c.credits = n }
}

func withDraw(d session.Source) harnessOption {
	return func(c *harnessConfig) { c.draw = d }
}

func withClassifier(cl fakeClassifier) harnessOption {
	return func(c *harnessConfig) { c.classifier = cl }
}

func withRepo(r store.Repository) harnessOption {
	return func(c *harnessConfig) { c.repo = r }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{credits: 100000, draw: losingDraw}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.repo == nil {
		repo, err := store.NewFile(filepath.Join(t.TempDir(), "credits_budget.json"), nil)
		require.NoError(t, err)
		cfg.repo = repo
	}

	l, err := ledger.Load(context.Background(), cfg.repo, cfg.credits, nil)
	require.NoError(t, err)

	h := &harness{
		sessions: session.NewStore(session.DefaultCeiling),
		ledger:   l,
		model:    &fakeModel{reply: "beep boop", used: 25},
		out:      &recordingSender{},
	}
	h.orch, err = NewOrchestrator(Config{
		Sessions: h.sessions,
		Machine:  session.NewMachine(session.DefaultEngagementOdds, cfg.draw),
		Gate:     moderation.NewGate(cfg.classifier, nil),
		Model:    h.model,
		Ledger:   l,
		Settings: Settings{MaxResponseTokens: 20, Temperature: 0.8},
	})
	require.NoError(t, err)
	return h
}

func (h *harness) send(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, h.orch.HandleMessage(context.Background(), domain.Inbound{
		ChatID:    "chat",
		MessageID: 7,
		Text:      text,
	}, h.out))
}

func (h *harness) command(t *testing.T, cmd domain.Command) {
	t.Helper()
	require.NoError(t, h.orch.HandleMessage(context.Background(), domain.Inbound{
		ChatID:  "chat",
		Command: cmd,
	}, h.out))
}

func (h *harness) snapshot(t *testing.T) session.Session {
	t.Helper()
	s, ok, err := h.sessions.Snapshot(context.Background(), "chat")
	require.NoError(t, err)
	require.True(t, ok)
	return s
}

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(Config{})
	require.Error(t, err)
}

func TestHandleMessage_IdleDrawFailsSendsNothing(t *testing.T) {
	h := newHarness(t)

	h.send(t, "hello")

	assert.Empty(t, h.out.texts())
	assert.Zero(t, h.model.calls())
	assert.Equal(t, session.StateIdle, h.snapshot(t).State)
	assert.Equal(t, int64(100000), h.ledger.Remaining())
}

func TestHandleMessage_DrawWinsAnswersAndEngages(t *testing.T) {
	h := newHarness(t, withDraw(winningDraw))

	h.send(t, "hello")

	require.Len(t, h.out.sent, 1)
	assert.Equal(t, domain.Outbound{ChatID: "chat", Text: "beep boop", ReplyTo: 7}, h.out.sent[0])

	s := h.snapshot(t)
	assert.Equal(t, session.StateEngaged, s.State)
	assert.Equal(t, []domain.Turn{
		{Role: domain.RoleUser, Text: "hello"},
		{Role: domain.RoleAssistant, Text: "beep boop"},
	}, s.Conversation.Turns())

	assert.Equal(t, int64(100000-25), h.ledger.Remaining(), "the actual usage is debited")
	assert.Equal(t, h.ledger.Remaining(), h.ledger.Available())
}

func TestHandleMessage_PromptCarriesConversation(t *testing.T) {
	h := newHarness(t)
	h.command(t, domain.CommandStart)

	h.send(t, "first")
	h.model.reply = "second reply"
	h.send(t, "second")

	require.Equal(t, 2, h.model.calls())
	req := h.model.requests[1]
	assert.Equal(t, []domain.Turn{
		{Role: domain.RoleUser, Text: "first"},
		{Role: domain.RoleAssistant, Text: "beep boop"},
		{Role: domain.RoleUser, Text: "second"},
	}, req.Turns)
	assert.InDelta(t, 0.8, req.Temperature, 0.001)
	assert.Equal(t, 20, req.MaxTokens)
}

func TestHandleMessage_FlaggedMessageGetsSummaryEvenWhenIdle(t *testing.T) {
	h := newHarness(t, withClassifier(fakeClassifier{
		categories: moderation.Categories{Hate: true, Violence: true},
	}))

	h.send(t, "something nasty")

	assert.Equal(t, []string{"What you just said is hateful, violent. Jesus is not happy with you"}, h.out.texts())
	assert.Zero(t, h.model.calls())
}

func TestHandleMessage_FlaggedMessageStillAnsweredWhenEngaged(t *testing.T) {
	h := newHarness(t, withClassifier(fakeClassifier{
		categories: moderation.Categories{Sexual: true},
	}))
	h.command(t, domain.CommandStart)

	h.send(t, "something nasty")

	assert.Equal(t, []string{
		Greeting,
		"What you just said is sexual. Jesus is not happy with you",
		"beep boop",
	}, h.out.texts())
}

func TestHandleMessage_ModerationFailureIsNotFlagged(t *testing.T) {
	h := newHarness(t,
		withDraw(winningDraw),
		withClassifier(fakeClassifier{err: &agent.CallError{Kind: agent.KindNetwork, Op: "moderation", Err: errors.New("timeout")}}),
	)

	h.send(t, "hello")

	assert.Equal(t, []string{"beep boop"}, h.out.texts())
}

func TestHandleMessage_InsufficientCreditsApologises(t *testing.T) {
	h := newHarness(t, withCredits(5), withDraw(winningDraw))

	h.send(t, "hello")

	assert.Equal(t, []string{"Sorry, but due to insufficient credits, I could not answer"}, h.out.texts())
	assert.Zero(t, h.model.calls(), "no remote call without credits")
	assert.Equal(t, int64(5), h.ledger.Remaining())

	s := h.snapshot(t)
	assert.Equal(t, session.StateIdle, s.State)
	assert.Zero(t, s.Conversation.Len())
}

func TestHandleMessage_ExactBudgetScenario(t *testing.T) {
	h := newHarness(t, withCredits(100))
	h.command(t, domain.CommandStart)

	// estimate: 20 response tokens + len("0123456789ab")/4 = 23
	h.send(t, "0123456789ab")

	assert.Equal(t, int64(75), h.ledger.Remaining())
}

func TestHandleMessage_OverrunWithOtherChatInFlightIsNotFatal(t *testing.T) {
	h := newHarness(t, withCredits(250), withDraw(winningDraw))

	other, err := h.ledger.Reserve(120)
	require.NoError(t, err)

	h.model.used = 260
	h.send(t, "hello")

	assert.Equal(t, []string{"beep boop"}, h.out.texts())
	assert.Equal(t, int64(0), h.ledger.Remaining())

	require.NoError(t, other.Commit(context.Background(), 100))
	assert.Equal(t, int64(0), h.ledger.Remaining())

	h.send(t, "again")
	assert.Equal(t, []string{"beep boop", "Sorry, but due to insufficient credits, I could not answer"}, h.out.texts())
}

func TestHandleMessage_ModelFailureMutatesNothing(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		reply string
	}{
		{
			name:  "network",
			err:   &agent.CallError{Kind: agent.KindNetwork, Op: "chat", Code: 500, Err: errors.New("server error")},
			reply: "Sorry, but due to a failed request, I could not answer",
		},
		{
			name:  "parse",
			err:   &agent.CallError{Kind: agent.KindParse, Op: "chat", Err: errors.New("unexpected end of JSON input")},
			reply: "Sorry, but due to an unreadable response, I could not answer",
		},
		{
			name:  "cancelled",
			err:   context.Canceled,
			reply: "Sorry, but due to a failed request, I could not answer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.command(t, domain.CommandStart)
			h.send(t, "first")
			before := h.ledger.Remaining()

			h.model.err = tt.err
			h.send(t, "second")

			texts := h.out.texts()
			assert.Equal(t, tt.reply, texts[len(texts)-1])
			assert.Equal(t, before, h.ledger.Remaining())
			assert.Equal(t, before, h.ledger.Available(), "reservation released")
			assert.Equal(t, 2, h.snapshot(t).Conversation.Len())
		})
	}
}

func TestHandleMessage_CeilingAnswersThenResets(t *testing.T) {
	h := newHarness(t)
	h.command(t, domain.CommandStart)

	for i := 0; i < 5; i++ {
		h.send(t, "q")
	}
	require.Equal(t, 5, h.model.calls())
	require.Equal(t, session.DefaultCeiling, h.snapshot(t).Conversation.Len())

	h.send(t, "one too many")

	assert.Equal(t, 5, h.model.calls(), "reset message is not answered")
	s := h.snapshot(t)
	assert.Equal(t, session.StateIdle, s.State)
	assert.Zero(t, s.Conversation.Len())
}

func TestHandleMessage_Commands(t *testing.T) {
	h := newHarness(t)

	h.command(t, domain.CommandStop)
	assert.Empty(t, h.out.texts(), "stopping an idle chat is silent")

	h.command(t, domain.CommandStart)
	h.send(t, "hi")
	h.command(t, domain.CommandStart)
	assert.Equal(t, 2, h.snapshot(t).Conversation.Len(), "start while engaged keeps the conversation")

	h.command(t, domain.CommandStop)
	h.command(t, domain.CommandHelp)

	texts := h.out.texts()
	require.Len(t, texts, 5)
	assert.Equal(t, []string{Greeting, "beep boop", Greeting, Farewell}, texts[:4])
	assert.Contains(t, texts[4], "/start - start the conversation manually")
	assert.Contains(t, texts[4], "/stop - stop the conversation manually")
	assert.Contains(t, texts[4], "/help - display this text")

	s := h.snapshot(t)
	assert.Equal(t, session.StateIdle, s.State)
	assert.Zero(t, s.Conversation.Len())
}

func TestHandleMessage_SendFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, withDraw(winningDraw))
	h.out.err = errors.New("chat not found")

	h.send(t, "hello")

	assert.Equal(t, session.StateEngaged, h.snapshot(t).State)
}

func TestHandleMessage_LedgerPersistFailureIsFatal(t *testing.T) {
	h := newHarness(t, withDraw(winningDraw), withRepo(failingRepo{credits: 1000}))

	err := h.orch.HandleMessage(context.Background(), domain.Inbound{ChatID: "chat", Text: "hello"}, h.out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Empty(t, h.out.texts())
	assert.Equal(t, session.StateIdle, h.snapshot(t).State)
	assert.Zero(t, h.snapshot(t).Conversation.Len(), "a failed debit stores no exchange")
}

func TestHandleMessage_CancelledContextIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.command(t, domain.CommandStart)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = h.sessions.With(context.Background(), "chat", func(*session.Session) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := h.orch.HandleMessage(ctx, domain.Inbound{ChatID: "chat", Text: "hello"}, h.out)
	assert.NoError(t, err)
}

func TestEstimateCost(t *testing.T) {
	turns := BuildPrompt([]domain.Turn{
		domain.NewTurn(domain.RoleUser, strings.Repeat("a", 40)),
		domain.NewTurn(domain.RoleAssistant, strings.Repeat("b", 7)),
	}, strings.Repeat("c", 8))

	require.Len(t, turns, 3)
	assert.Equal(t, domain.RoleUser, turns[2].Role)

	// 120 + 12/4 + 40/4 + 7/4 + 8/4
	assert.Equal(t, uint64(120+3+10+1+2), EstimateCost(strings.Repeat("s", 12), turns, 120))
	assert.Equal(t, uint64(0), EstimateCost("", nil, -5))
}

func TestApologyReason(t *testing.T) {
	assert.Equal(t, ReasonInsufficientCredits, apologyReason(ledger.ErrInsufficientCredits))
	assert.Equal(t, ReasonUnreadableResponse, apologyReason(&agent.CallError{Kind: agent.KindParse}))
	assert.Equal(t, ReasonFailedRequest, apologyReason(&agent.CallError{Kind: agent.KindNetwork}))
	assert.Equal(t, ReasonFailedRequest, apologyReason(errors.New("other")))
}
