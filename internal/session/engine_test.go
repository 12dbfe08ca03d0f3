// ABOUTME: Tests for the routing engine state machine and claim protocol
// ABOUTME: Exercises transitions, concurrent claims, delivery guards, store degradation

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/store"
)

type fakePresence struct {
	mu            sync.Mutex
	attached      map[string][]string // connID -> conv keys
	convEvents    map[string][][]byte // conv key -> payloads
	dashEvents    map[string][][]byte // tenant -> payloads
	directEvents  map[string][][]byte // connID -> payloads
	detachedCount int
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		attached:     make(map[string][]string),
		convEvents:   make(map[string][][]byte),
		dashEvents:   make(map[string][][]byte),
		directEvents: make(map[string][][]byte),
	}
}

func (f *fakePresence) Attach(connID, convKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached[connID] = append(f.attached[connID], convKey)
	return nil
}

func (f *fakePresence) Detach(connID, convKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []string
	for _, k := range f.attached[connID] {
		if k != convKey {
			kept = append(kept, k)
		}
	}
	f.attached[connID] = kept
	f.detachedCount++
}

func (f *fakePresence) Bindings(connID string) ([]string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attached[connID]...), "", nil
}

func (f *fakePresence) BroadcastToConversation(convKey string, payload []byte, excludeConnID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convEvents[convKey] = append(f.convEvents[convKey], payload)
}

func (f *fakePresence) BroadcastToDashboard(tenantID string, payload []byte, excludeConnID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dashEvents[tenantID] = append(f.dashEvents[tenantID], payload)
}

func (f *fakePresence) SendTo(connID string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directEvents[connID] = append(f.directEvents[connID], payload)
}

func (f *fakePresence) conversationEventCount(convKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.convEvents[convKey])
}

func (f *fakePresence) dashboardEventCount(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dashEvents[tenantID])
}

func (f *fakePresence) attachedTo(connID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attached[connID]...)
}

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []*store.Message
	err       error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, sess *store.Session, msg *store.Message, excludeConnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, msg)
	return nil
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func (f *fakeDeliverer) last() *store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.delivered) == 0 {
		return nil
	}
	return f.delivered[len(f.delivered)-1]
}

type fakeResponder struct {
	reply BotReply
	err   error
}

func (f *fakeResponder) Respond(ctx context.Context, sess *store.Session, userMessage string) (BotReply, error) {
	return f.reply, f.err
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []HandoffNotice
}

func (f *fakeNotifier) HandoffRequested(ctx context.Context, notice HandoffNotice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, notice)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices)
}

type fixture struct {
	engine    *Engine
	store     *store.MockStore
	presence  *fakePresence
	deliverer *fakeDeliverer
	responder *fakeResponder
	notifier  *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMockStore(),
		presence:  newFakePresence(),
		deliverer: &fakeDeliverer{},
		responder: &fakeResponder{reply: BotReply{Text: "how can I help?"}},
		notifier:  &fakeNotifier{},
	}
	f.engine = NewEngine(Config{
		Store:              f.store,
		Presence:           f.presence,
		Deliverer:          f.deliverer,
		Responder:          f.responder,
		Notifier:           f.notifier,
		BotName:            "Covenbot",
		FallbackText:       "One moment please.",
		EscalationKeywords: []string{"human", "agent"},
		EvictionDelay:      50 * time.Millisecond,
	})
	t.Cleanup(f.engine.Close)
	return f
}

func alice() auth.Operator {
	return auth.Operator{ID: "op-a", TenantID: "acme", DisplayName: "Alice"}
}

func bob() auth.Operator {
	return auth.Operator{ID: "op-b", TenantID: "acme", DisplayName: "Bob"}
}

// startPending walks a fresh session to pending via a responder hand-off.
func startPending(t *testing.T, f *fixture) *store.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := f.engine.StartSession(ctx, "acme", store.ChannelWeb, "")
	require.NoError(t, err)

	f.responder.reply = BotReply{Handoff: true}
	require.NoError(t, f.engine.HandleUserMessage(ctx, "acme", sess.ID, "I need help", ""))

	got, err := f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, got.Status)
	return got
}

func TestEngine_StartSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.engine.StartSession(ctx, "acme", store.ChannelWeb, "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusBot, sess.Status)
	assert.Nil(t, sess.AssignedOperatorID)

	persisted, err := f.store.GetSession(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBot, persisted.Status)
}

func TestEngine_BotReplyDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.engine.StartSession(ctx, "acme", store.ChannelWeb, "")
	require.NoError(t, err)
	require.NoError(t, f.engine.HandleUserMessage(ctx, "acme", sess.ID, "hello", "conn-w"))

	require.Equal(t, 1, f.deliverer.count())
	reply := f.deliverer.last()
	assert.Equal(t, store.RoleAssistant, reply.Role)
	assert.Equal(t, "how can I help?", reply.Content)
	assert.Equal(t, "Covenbot", reply.OperatorName)

	history, err := f.engine.Summary(ctx, "acme", sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.RoleUser, history[0].Role)
	assert.Equal(t, store.RoleAssistant, history[1].Role)
}

func TestEngine_ResponderFailureSubstitutesFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.responder.err = errors.New("upstream timeout")

	sess, err := f.engine.StartSession(ctx, "acme", store.ChannelWeb, "")
	require.NoError(t, err)
	require.NoError(t, f.engine.HandleUserMessage(ctx, "acme", sess.ID, "hello", ""))

	require.Equal(t, 1, f.deliverer.count())
	assert.Equal(t, "One moment please.", f.deliverer.last().Content)

	// Conversation stays with the bot.
	got, err := f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBot, got.Status)
}

func TestEngine_KeywordEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.engine.StartSession(ctx, "acme", store.ChannelWeb, "")
	require.NoError(t, err)
	require.NoError(t, f.engine.HandleUserMessage(ctx, "acme", sess.ID, "let me talk to a HUMAN", ""))

	got, err := f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)

	// No responder round trip, no bot reply.
	assert.Zero(t, f.deliverer.count())
	assert.Positive(t, f.presence.dashboardEventCount("acme"))
	assert.Eventually(t, func() bool { return f.notifier.count() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestEngine_ResponderHandoff(t *testing.T) {
	f := newFixture(t)
	sess := startPending(t, f)

	assert.Positive(t, f.presence.dashboardEventCount("acme"))
	assert.Positive(t, f.presence.conversationEventCount(Key("acme", sess.ID)))
	assert.Zero(t, f.deliverer.count(), "no bot reply on hand-off")
}

func TestEngine_MessagesWhilePendingAreRecordedWithoutBotReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)

	require.NoError(t, f.engine.HandleUserMessage(ctx, "acme", sess.ID, "anyone there?", ""))

	assert.Zero(t, f.deliverer.count())
	history, err := f.engine.Summary(ctx, "acme", sess.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "anyone there?", history[len(history)-1].Content)
}

func TestEngine_Claim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)

	require.NoError(t, f.engine.Claim(ctx, "acme", sess.ID, alice(), "conn-a"))

	got, err := f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
	require.NotNil(t, got.AssignedOperatorID)
	assert.Equal(t, "op-a", *got.AssignedOperatorID)
}

func TestEngine_SecondClaimRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)

	require.NoError(t, f.engine.Claim(ctx, "acme", sess.ID, alice(), "conn-a"))

	err := f.engine.Claim(ctx, "acme", sess.ID, bob(), "conn-b")
	require.ErrorIs(t, err, ErrRejectedTransition)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ReasonAlreadyAssigned, terr.Reason)

	// Winner's assignment untouched.
	got, err := f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "op-a", *got.AssignedOperatorID)
}

func TestEngine_ClaimBotSessionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.engine.StartSession(ctx, "acme", store.ChannelWeb, "")
	require.NoError(t, err)

	err = f.engine.Claim(ctx, "acme", sess.ID, alice(), "conn-a")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ReasonNotPending, terr.Reason)
}

func TestEngine_ConcurrentClaimsSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)

	const claimants = 16
	var wg sync.WaitGroup
	results := make([]error, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op := auth.Operator{
				ID:          fmt.Sprintf("op-%d", i),
				TenantID:    "acme",
				DisplayName: fmt.Sprintf("Operator %d", i),
			}
			results[i] = f.engine.Claim(ctx, "acme", sess.ID, op, fmt.Sprintf("conn-%d", i))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, ErrRejectedTransition)
		}
	}
	assert.Equal(t, 1, wins, "exactly one claimant must win")

	got, err := f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
	require.NotNil(t, got.AssignedOperatorID, "no orphaned in_progress without assignment")
}

func TestEngine_OperatorMessageGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)

	// Not in progress yet.
	err := f.engine.SendOperatorMessage(ctx, "acme", sess.ID, alice(), "hi", "conn-a")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ReasonNotInProgress, terr.Reason)

	require.NoError(t, f.engine.Claim(ctx, "acme", sess.ID, alice(), "conn-a"))

	// Assigned to Alice, not Bob.
	err = f.engine.SendOperatorMessage(ctx, "acme", sess.ID, bob(), "hi", "conn-b")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ReasonNotAssigned, terr.Reason)

	require.NoError(t, f.engine.SendOperatorMessage(ctx, "acme", sess.ID, alice(), "hello there", "conn-a"))
	require.Equal(t, 1, f.deliverer.count())
	assert.Equal(t, store.RoleOperator, f.deliverer.last().Role)
	assert.Equal(t, "Alice", f.deliverer.last().OperatorName)
}

func TestEngine_OperatorMessageRecordedEvenWhenDeliveryFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)
	require.NoError(t, f.engine.Claim(ctx, "acme", sess.ID, alice(), "conn-a"))

	f.deliverer.err = errors.New("send API down")
	err := f.engine.SendOperatorMessage(ctx, "acme", sess.ID, alice(), "are you there?", "conn-a")
	require.Error(t, err)

	history, herr := f.engine.Summary(ctx, "acme", sess.ID, 0)
	require.NoError(t, herr)
	assert.Equal(t, "are you there?", history[len(history)-1].Content)
}

func TestEngine_Transfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)
	require.NoError(t, f.engine.Claim(ctx, "acme", sess.ID, alice(), "conn-a"))

	before := f.presence.dashboardEventCount("acme")
	require.NoError(t, f.engine.Transfer(ctx, "acme", sess.ID, alice(), "conn-a"))

	got, err := f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Nil(t, got.AssignedOperatorID)
	assert.Greater(t, f.presence.dashboardEventCount("acme"), before, "dashboards re-notified")

	// Bob can now claim.
	require.NoError(t, f.engine.Claim(ctx, "acme", sess.ID, bob(), "conn-b"))
}

func TestEngine_TransferByNonAssignedRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)
	require.NoError(t, f.engine.Claim(ctx, "acme", sess.ID, alice(), "conn-a"))

	err := f.engine.Transfer(ctx, "acme", sess.ID, bob(), "conn-b")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ReasonNotAssigned, terr.Reason)
}

func TestEngine_Toggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)
	require.NoError(t, f.engine.Claim(ctx, "acme", sess.ID, alice(), "conn-a"))

	// Hand back to the bot.
	require.NoError(t, f.engine.Toggle(ctx, "acme", sess.ID, alice(), "conn-a"))
	got, err := f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBot, got.Status)
	assert.Nil(t, got.AssignedOperatorID)

	// Take it over again.
	require.NoError(t, f.engine.Toggle(ctx, "acme", sess.ID, alice(), "conn-a"))
	got, err = f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
	require.NotNil(t, got.AssignedOperatorID)
	assert.Equal(t, "op-a", *got.AssignedOperatorID)
}

func TestEngine_CloseIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)

	require.NoError(t, f.engine.CloseSession(ctx, "acme", sess.ID, "resolved"))

	got, err := f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, got.Status)
	assert.NotNil(t, got.ClosedAt)
	assert.Nil(t, got.AssignedOperatorID)

	// Every further event is rejected.
	var terr *TransitionError
	require.ErrorAs(t, f.engine.CloseSession(ctx, "acme", sess.ID, "again"), &terr)
	assert.Equal(t, ReasonClosed, terr.Reason)
	require.ErrorAs(t, f.engine.HandleUserMessage(ctx, "acme", sess.ID, "hi", ""), &terr)
	assert.Equal(t, ReasonClosed, terr.Reason)
	require.ErrorAs(t, f.engine.Claim(ctx, "acme", sess.ID, alice(), "c"), &terr)
	assert.Equal(t, ReasonClosed, terr.Reason)
}

func TestEngine_ClosedSessionEvictedAndReloadable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)
	require.NoError(t, f.engine.CloseSession(ctx, "acme", sess.ID, "resolved"))

	require.Eventually(t, func() bool {
		_, ok := f.engine.cache.peek(Key("acme", sess.ID))
		return !ok
	}, time.Second, 10*time.Millisecond)

	// Late read falls back to the store and still sees the terminal state.
	got, err := f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, got.Status)
}

func TestEngine_OperatorGoneRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)
	require.NoError(t, f.engine.Claim(ctx, "acme", sess.ID, alice(), "conn-a"))

	f.engine.HandleOperatorGone("acme", sess.ID, "op-a")

	got, err := f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Nil(t, got.AssignedOperatorID)
}

func TestEngine_OperatorGoneIgnoresStaleNotice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)
	require.NoError(t, f.engine.Claim(ctx, "acme", sess.ID, alice(), "conn-a"))
	require.NoError(t, f.engine.Transfer(ctx, "acme", sess.ID, alice(), "conn-a"))
	require.NoError(t, f.engine.Claim(ctx, "acme", sess.ID, bob(), "conn-b"))

	// Alice's late disconnect must not unseat Bob.
	f.engine.HandleOperatorGone("acme", sess.ID, "op-a")

	got, err := f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
	assert.Equal(t, "op-b", *got.AssignedOperatorID)
}

func TestEngine_DisconnectReclaimScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Customer talks to the bot, asks for a human.
	sess, err := f.engine.StartSession(ctx, "acme", store.ChannelWeb, "")
	require.NoError(t, err)
	require.NoError(t, f.engine.HandleUserMessage(ctx, "acme", sess.ID, "agent please", "conn-w"))

	// Alice claims; Bob races and loses.
	require.NoError(t, f.engine.Claim(ctx, "acme", sess.ID, alice(), "conn-a"))
	require.ErrorIs(t, f.engine.Claim(ctx, "acme", sess.ID, bob(), "conn-b"), ErrRejectedTransition)

	// Alice's connection dies past the grace period.
	f.engine.HandleOperatorGone("acme", sess.ID, "op-a")

	// Bob can now take the conversation.
	require.NoError(t, f.engine.Claim(ctx, "acme", sess.ID, bob(), "conn-b"))
	got, err := f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "op-b", *got.AssignedOperatorID)
}

func TestEngine_StoreFailureServesFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.engine.StartSession(ctx, "acme", store.ChannelWeb, "")
	require.NoError(t, err)

	f.store.SetFailWrites(true)

	// Transitions keep working from the cache.
	require.NoError(t, f.engine.HandleUserMessage(ctx, "acme", sess.ID, "agent", ""))
	require.NoError(t, f.engine.Claim(ctx, "acme", sess.ID, alice(), "conn-a"))
	require.NoError(t, f.engine.SendOperatorMessage(ctx, "acme", sess.ID, alice(), "hello", "conn-a"))

	history, err := f.engine.Summary(ctx, "acme", sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestEngine_HistoryOrdered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.responder.reply = BotReply{Text: "ok"}
	sess, err := f.engine.StartSession(ctx, "acme", store.ChannelWeb, "")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.engine.HandleUserMessage(ctx, "acme", sess.ID, fmt.Sprintf("msg %d", i), ""))
	}

	history, err := f.engine.Summary(ctx, "acme", sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 10)
	for i, m := range history {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestEngine_SummaryLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.responder.reply = BotReply{}
	sess, err := f.engine.StartSession(ctx, "acme", store.ChannelWeb, "")
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		require.NoError(t, f.engine.HandleUserMessage(ctx, "acme", sess.ID, fmt.Sprintf("msg %d", i), ""))
	}

	history, err := f.engine.Summary(ctx, "acme", sess.ID, 4)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "msg 5", history[3].Content)
}

func TestEngine_UnknownSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.engine.Claim(ctx, "acme", "no-such", alice(), "conn-a")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ReasonUnknownSession, terr.Reason)
}

func TestEngine_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)

	// Same id, wrong tenant: invisible.
	err := f.engine.Claim(ctx, "globex", sess.ID, alice(), "conn-a")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ReasonUnknownSession, terr.Reason)
}

func TestEngine_NotifyHandoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Unknown session is created on the trusted boundary.
	err := f.engine.NotifyHandoff(ctx, "acme", "ext-1", []BotTurn{
		{Role: store.RoleUser, Content: "I want a refund"},
		{Role: store.RoleAssistant, Content: "Let me get someone."},
	}, "")
	require.NoError(t, err)

	got, err := f.engine.Snapshot(ctx, "acme", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)

	history, err := f.engine.Summary(ctx, "acme", "ext-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// Retrying is a no-op, not a rejection.
	require.NoError(t, f.engine.NotifyHandoff(ctx, "acme", "ext-1", nil, ""))
}

func TestEngine_NotifyBotTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.engine.StartSession(ctx, "acme", store.ChannelWeb, "")
	require.NoError(t, err)

	require.NoError(t, f.engine.NotifyBotTurn(ctx, "acme", sess.ID, BotTurn{
		Role: store.RoleAssistant, Content: "external reply",
	}))

	history, err := f.engine.Summary(ctx, "acme", sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Covenbot", history[0].OperatorName)
	assert.Positive(t, f.presence.conversationEventCount(Key("acme", sess.ID)))
}

func TestEngine_SwitchToClaimsPendingAndDropsOldBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := startPending(t, f)
	require.NoError(t, f.engine.Claim(ctx, "acme", first.ID, alice(), "conn-a"))

	second := startPending(t, f)
	require.NoError(t, f.engine.SwitchTo(ctx, "acme", second.ID, alice(), "conn-a"))

	// The target is claimed by the switching operator.
	got, err := f.engine.Snapshot(ctx, "acme", second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
	require.NotNil(t, got.AssignedOperatorID)
	assert.Equal(t, "op-a", *got.AssignedOperatorID)

	// The connection now follows the target conversation only.
	assert.Equal(t, []string{Key("acme", second.ID)}, f.presence.attachedTo("conn-a"))

	// The first conversation keeps its assignment; switching is not a transfer.
	old, err := f.engine.Snapshot(ctx, "acme", first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, old.Status)
}

func TestEngine_SwitchToNonPendingAttachesWithoutClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.engine.StartSession(ctx, "acme", store.ChannelWeb, "")
	require.NoError(t, err)

	require.NoError(t, f.engine.SwitchTo(ctx, "acme", sess.ID, alice(), "conn-a"))

	got, err := f.engine.Snapshot(ctx, "acme", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBot, got.Status, "watching a bot conversation claims nothing")
	assert.Nil(t, got.AssignedOperatorID)
	assert.Contains(t, f.presence.attachedTo("conn-a"), Key("acme", sess.ID))
}

func TestEngine_SwitchToClosedRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := startPending(t, f)
	require.NoError(t, f.engine.CloseSession(ctx, "acme", sess.ID, "resolved"))

	err := f.engine.SwitchTo(ctx, "acme", sess.ID, alice(), "conn-a")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ReasonClosed, terr.Reason)
}

// flakyHistoryStore fails history reads on demand, standing in for a store
// whose message queries degrade while writes keep working.
type flakyHistoryStore struct {
	*store.MockStore
	mu        sync.Mutex
	failReads bool
}

func (s *flakyHistoryStore) setFailReads(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = fail
}

func (s *flakyHistoryStore) GetMessages(ctx context.Context, tenantID, sessionID string, limit int) ([]*store.Message, error) {
	s.mu.Lock()
	fail := s.failReads
	s.mu.Unlock()
	if fail {
		return nil, errors.New("history unavailable")
	}
	return s.MockStore.GetMessages(ctx, tenantID, sessionID, limit)
}

func TestEngine_SeqFollowsStoreWhenHistoryUnavailable(t *testing.T) {
	fs := &flakyHistoryStore{MockStore: store.NewMockStore()}
	engine := NewEngine(Config{
		Store:     fs,
		Presence:  newFakePresence(),
		Deliverer: &fakeDeliverer{},
		Responder: &fakeResponder{reply: BotReply{Handoff: true}},
		Notifier:  &fakeNotifier{},
	})
	t.Cleanup(engine.Close)
	ctx := context.Background()

	sess, err := engine.StartSession(ctx, "acme", store.ChannelWeb, "")
	require.NoError(t, err)
	require.NoError(t, engine.HandleUserMessage(ctx, "acme", sess.ID, "first", ""))
	require.NoError(t, engine.HandleUserMessage(ctx, "acme", sess.ID, "second", ""))

	// Drop the cache entry and break the history read, so the next event
	// reloads the session with an empty local history.
	key := Key("acme", sess.ID)
	ent, ok := engine.cache.peek(key)
	require.True(t, ok)
	engine.cache.drop(key, ent)
	fs.setFailReads(true)

	require.NoError(t, engine.HandleUserMessage(ctx, "acme", sess.ID, "third", ""))

	// The persisted sequence never forked.
	fs.setFailReads(false)
	msgs, err := fs.GetMessages(ctx, "acme", sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
	}

	// The cached copy carries the store-assigned number too.
	history, err := engine.Summary(ctx, "acme", sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(3), history[0].Seq)
}

func TestEngine_FindPhoneSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.FindPhoneSession(ctx, "acme", "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, store.ChannelPhone, first.Channel)

	again, err := f.engine.FindPhoneSession(ctx, "acme", "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "live session reused")

	require.NoError(t, f.engine.CloseSession(ctx, "acme", first.ID, "resolved"))

	fresh, err := f.engine.FindPhoneSession(ctx, "acme", "+15550001111")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID, "closed session never resurrected")
}
