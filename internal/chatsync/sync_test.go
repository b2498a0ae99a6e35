package chatsync

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pawcare/portal/internal/events"
)

const (
	sessA = "507f1f77bcf86cd799439011"
	sessB = "507f191e810c19729de860ea"
)

type emitted struct {
	event string
	data  any
}

// fakeTransport records emits and lets tests drive the callbacks by hand.
type fakeTransport struct {
	mu      sync.Mutex
	cb      Callbacks
	opens   int
	closes  int
	emits   []emitted
	emitErr error
}

func (f *fakeTransport) Open(cb Callbacks) {
	f.mu.Lock()
	f.cb = cb
	f.opens++
	f.mu.Unlock()
}

func (f *fakeTransport) Emit(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{event: event, data: data})
	return f.emitErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) callbacks() Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *fakeTransport) connect() { f.callbacks().OnConnect() }

func (f *fakeTransport) drop(err error) { f.callbacks().OnDisconnect(err) }

func (f *fakeTransport) giveUp(err error) { f.callbacks().OnGiveUp(err) }

func (f *fakeTransport) deliver(t *testing.T, name string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	f.callbacks().OnEvent(name, raw)
}

func (f *fakeTransport) emitted() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

func (f *fakeTransport) named(event string) []emitted {
	var out []emitted
	for _, e := range f.emitted() {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func connected(t *testing.T) (*Sync, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	s := New(tr, WithUserID("42"))
	s.Connect()
	tr.connect()
	require.Equal(t, StateConnected, s.State())
	return s, tr
}

func newMessage(sessionID, id string, typ events.MessageEventType) events.MessageEvent {
	return events.MessageEvent{
		SessionID: sessionID,
		Type:      typ,
		Message: events.ChatMessage{
			ID:         id,
			SessionID:  sessionID,
			SenderType: events.SenderAssistant,
			Status:     events.MessageComplete,
			Variants: []events.Variant{{
				Type: events.VariantText, Status: events.VariantReady,
				Payload: events.VariantPayload{Text: "hello"},
			}},
		},
	}
}

func TestConnect_IsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	s := New(tr)
	require.Equal(t, StateDisconnected, s.State())

	s.Connect()
	s.Connect()
	require.Equal(t, 1, tr.opens)
	require.Equal(t, StateConnecting, s.State())

	tr.connect()
	s.Connect()
	require.Equal(t, 1, tr.opens)
	require.Equal(t, StateConnected, s.State())
}

func TestSwitchSession_UnsubscribesBeforeSubscribing(t *testing.T) {
	s, tr := connected(t)

	s.SetActiveSession(sessA)
	s.SetActiveSession(sessB)

	require.Equal(t, []emitted{
		{event: events.Subscribe, data: sessA},
		{event: events.Unsubscribe, data: sessA},
		{event: events.Subscribe, data: sessB},
	}, tr.emitted())
	require.Equal(t, sessB, s.ActiveSession())
}

func TestSetActiveSession_SameIDTwiceSubscribesOnce(t *testing.T) {
	s, tr := connected(t)

	s.SetActiveSession(sessA)
	s.SetActiveSession(sessA)

	require.Len(t, tr.named(events.Subscribe), 1)
	require.Empty(t, tr.named(events.Unsubscribe))
}

func TestSetActiveSession_MalformedIDDoesNotSubscribe(t *testing.T) {
	s, tr := connected(t)

	var refused []string
	s.OnInvalidSession(func(id string) { refused = append(refused, id) })

	s.SetActiveSession("temp-123")

	require.Empty(t, tr.named(events.Subscribe))
	require.Equal(t, "", s.ActiveSession())
	require.Equal(t, []string{"temp-123"}, refused)
}

func TestSetActiveSession_MalformedIDClearsPreviousSession(t *testing.T) {
	s, tr := connected(t)
	s.SetActiveSession(sessA)

	s.SetActiveSession("temp-9")

	require.Equal(t, []emitted{
		{event: events.Subscribe, data: sessA},
		{event: events.Unsubscribe, data: sessA},
	}, tr.emitted())
}

func TestSetActiveSession_EmptyUnsubscribesAndKeepsConnection(t *testing.T) {
	s, tr := connected(t)
	s.SetActiveSession(sessA)

	s.SetActiveSession("")

	require.Len(t, tr.named(events.Unsubscribe), 1)
	require.Equal(t, StateConnected, s.State())
	require.Zero(t, tr.closes)
}

func TestSetActiveSession_BeforeConnectSubscribesOnConnect(t *testing.T) {
	tr := &fakeTransport{}
	s := New(tr)
	s.SetActiveSession(sessA)
	s.Connect()
	require.Empty(t, tr.emitted())

	tr.connect()
	require.Equal(t, []emitted{{event: events.Subscribe, data: sessA}}, tr.emitted())
}

func TestInboundMessage_DeliveredOnceForActiveSession(t *testing.T) {
	s, tr := connected(t)

	var got []events.ChatMessage
	s.OnMessage(func(m events.ChatMessage) { got = append(got, m) })
	var updates int
	s.OnMessageUpdate(func(events.ChatMessage) { updates++ })

	s.SetActiveSession(sessA)
	tr.deliver(t, events.Message, newMessage(sessA, "m1", events.MessageNew))

	require.Len(t, got, 1)
	require.Equal(t, "m1", got[0].ID)
	require.Zero(t, updates)
}

func TestInboundMessageUpdate_RoutedToUpdateHandlers(t *testing.T) {
	s, tr := connected(t)
	s.SetActiveSession(sessA)

	var news, updates []string
	s.OnMessage(func(m events.ChatMessage) { news = append(news, m.ID) })
	s.OnMessageUpdate(func(m events.ChatMessage) { updates = append(updates, m.ID) })

	tr.deliver(t, events.Message, newMessage(sessA, "m1", events.MessageUpdate))
	tr.deliver(t, events.Message, newMessage(sessA, "m2", "bogus"))

	require.Empty(t, news)
	require.Equal(t, []string{"m1"}, updates)
}

func TestInboundEvent_OtherSessionIsDropped(t *testing.T) {
	s, tr := connected(t)
	s.SetActiveSession(sessA)

	fired := 0
	s.OnMessage(func(events.ChatMessage) { fired++ })
	s.OnMessageUpdate(func(events.ChatMessage) { fired++ })
	s.OnTyping(func(events.TypingEvent) { fired++ })
	s.OnAssetUpdate(func(events.AssetUpdateEvent) { fired++ })

	tr.deliver(t, events.Message, newMessage(sessB, "m1", events.MessageNew))
	tr.deliver(t, events.Message, newMessage(sessB, "m1", events.MessageUpdate))
	tr.deliver(t, events.Typing, events.TypingEvent{SessionID: sessB, UserID: "7", IsTyping: true})
	tr.deliver(t, events.AssetUpdate, events.AssetUpdateEvent{SessionID: sessB, MessageID: "m1"})

	require.Zero(t, fired)
}

func TestInboundEvent_LateEventFromPreviousSessionIsDropped(t *testing.T) {
	s, tr := connected(t)

	fired := 0
	s.OnMessage(func(events.ChatMessage) { fired++ })

	s.SetActiveSession(sessA)
	s.SetActiveSession(sessB)
	tr.deliver(t, events.Message, newMessage(sessA, "late", events.MessageNew))

	require.Zero(t, fired)
}

func TestInboundEvent_SwitchInsideHandlerStopsLaterHandlers(t *testing.T) {
	s, tr := connected(t)
	s.SetActiveSession(sessA)

	var first, second []string
	s.OnMessage(func(m events.ChatMessage) {
		first = append(first, m.ID)
		s.SetActiveSession(sessB)
	})
	s.OnMessage(func(m events.ChatMessage) { second = append(second, m.ID) })

	tr.deliver(t, events.Message, newMessage(sessA, "m1", events.MessageNew))
	require.Equal(t, []string{"m1"}, first)
	require.Empty(t, second)

	tr.deliver(t, events.Message, newMessage(sessB, "m2", events.MessageNew))
	require.Equal(t, []string{"m1", "m2"}, first)
	require.Equal(t, []string{"m2"}, second)
}

func TestInboundEvent_NoActiveSessionDropsEverything(t *testing.T) {
	s, tr := connected(t)
	fired := 0
	s.OnMessage(func(events.ChatMessage) { fired++ })

	tr.deliver(t, events.Message, newMessage(sessA, "m1", events.MessageNew))
	require.Zero(t, fired)
}

func TestInboundTypingAndAssetUpdate(t *testing.T) {
	s, tr := connected(t)
	s.SetActiveSession(sessA)

	var typing []events.TypingEvent
	var assets []events.AssetUpdateEvent
	s.OnTyping(func(ev events.TypingEvent) { typing = append(typing, ev) })
	s.OnAssetUpdate(func(ev events.AssetUpdateEvent) { assets = append(assets, ev) })

	tr.deliver(t, events.Typing, events.TypingEvent{SessionID: sessA, UserID: "assistant", IsTyping: true})
	tr.deliver(t, events.AssetUpdate, events.AssetUpdateEvent{
		SessionID: sessA,
		MessageID: "m1",
		Asset:     events.Variant{Type: events.VariantAudio, Status: events.VariantReady},
	})

	require.Len(t, typing, 1)
	require.True(t, typing[0].IsTyping)
	require.Len(t, assets, 1)
	require.Equal(t, events.VariantReady, assets[0].Asset.Status)
}

func TestInboundEvent_UndecodablePayloadIsDropped(t *testing.T) {
	s, tr := connected(t)
	s.SetActiveSession(sessA)
	fired := 0
	s.OnMessage(func(events.ChatMessage) { fired++ })

	tr.callbacks().OnEvent(events.Message, json.RawMessage(`"not an object"`))
	tr.callbacks().OnEvent("chat:unknown", json.RawMessage(`{}`))

	require.Zero(t, fired)
}

func TestServerErrorEvent_SurfacedToErrorHandlers(t *testing.T) {
	s, tr := connected(t)
	var errs []error
	s.OnError(func(err error) { errs = append(errs, err) })

	tr.deliver(t, events.Error, events.ErrorEvent{SessionID: sessA, Message: "session not found"})

	require.Len(t, errs, 1)
	var se *ServerError
	require.True(t, errors.As(errs[0], &se))
	require.Equal(t, sessA, se.SessionID)
}

func TestReconnect_ResubscribesActiveSession(t *testing.T) {
	s, tr := connected(t)
	var states []ConnectionState
	s.OnStateChange(func(st ConnectionState) { states = append(states, st) })

	s.SetActiveSession(sessA)
	tr.drop(errors.New("network down"))
	require.Equal(t, StateConnecting, s.State())
	require.Equal(t, sessA, s.ActiveSession())

	tr.connect()

	require.Equal(t, StateConnected, s.State())
	require.Len(t, tr.named(events.Subscribe), 2)
	require.Equal(t, sessA, tr.named(events.Subscribe)[1].data)
	require.Equal(t, []ConnectionState{StateConnecting, StateConnected}, states)
}

func TestReconnect_SwitchWhileReconnectingSubscribesNewSessionOnly(t *testing.T) {
	s, tr := connected(t)
	s.SetActiveSession(sessA)
	tr.drop(errors.New("blip"))

	s.SetActiveSession(sessB)
	require.Len(t, tr.named(events.Subscribe), 1)

	tr.connect()
	subs := tr.named(events.Subscribe)
	require.Len(t, subs, 2)
	require.Equal(t, sessB, subs[1].data)
	require.Empty(t, tr.named(events.Unsubscribe))
}

func TestGiveUp_TerminalDisconnectedWithError(t *testing.T) {
	s, tr := connected(t)
	s.SetActiveSession(sessA)

	var errs []error
	s.OnError(func(err error) { errs = append(errs, err) })

	tr.drop(errors.New("gone"))
	tr.giveUp(errors.New("exhausted"))

	require.Equal(t, StateDisconnected, s.State())
	require.Len(t, errs, 1)

	// late callbacks from the dead run are ignored
	tr.connect()
	require.Equal(t, StateDisconnected, s.State())

	// a fresh Connect opens the transport again
	s.Connect()
	require.Equal(t, 2, tr.opens)
}

func TestEmitTyping(t *testing.T) {
	t.Run("no active session emits nothing", func(t *testing.T) {
		s, tr := connected(t)
		s.EmitTyping(true)
		require.Empty(t, tr.emitted())
	})

	t.Run("not connected emits nothing", func(t *testing.T) {
		tr := &fakeTransport{}
		s := New(tr)
		s.SetActiveSession(sessA)
		s.EmitTyping(true)
		require.Empty(t, tr.emitted())
	})

	t.Run("tagged with active session", func(t *testing.T) {
		s, tr := connected(t)
		s.SetActiveSession(sessA)
		s.EmitTyping(true)

		typing := tr.named(events.Typing)
		require.Len(t, typing, 1)
		require.Equal(t, events.TypingEvent{SessionID: sessA, UserID: "42", IsTyping: true}, typing[0].data)
	})
}

func TestDisconnect_WithoutConnectDoesNotPanic(t *testing.T) {
	tr := &fakeTransport{}
	s := New(tr)
	require.NotPanics(t, s.Disconnect)
	require.Zero(t, tr.closes)
	require.Equal(t, StateDisconnected, s.State())
}

func TestDisconnect_UnsubscribesAndClosesOnce(t *testing.T) {
	s, tr := connected(t)
	s.SetActiveSession(sessA)

	s.Disconnect()
	s.Disconnect()

	require.Equal(t, []emitted{
		{event: events.Subscribe, data: sessA},
		{event: events.Unsubscribe, data: sessA},
	}, tr.emitted())
	require.Equal(t, 1, tr.closes)
	require.Equal(t, StateDisconnected, s.State())
	require.Equal(t, "", s.ActiveSession())

	// callbacks after teardown are ignored
	fired := 0
	s.OnMessage(func(events.ChatMessage) { fired++ })
	tr.deliver(t, events.Message, newMessage(sessA, "m1", events.MessageNew))
	require.Zero(t, fired)
}

func TestDisconnect_RemountOpensFreshConnection(t *testing.T) {
	s, tr := connected(t)
	s.Disconnect()

	s.Connect()
	require.Equal(t, 2, tr.opens)
	tr.connect()
	require.Equal(t, StateConnected, s.State())
}

func TestHandlerRemoval(t *testing.T) {
	s, tr := connected(t)
	s.SetActiveSession(sessA)

	first, second := 0, 0
	removeFirst := s.OnMessage(func(events.ChatMessage) { first++ })
	s.OnMessage(func(events.ChatMessage) { second++ })

	tr.deliver(t, events.Message, newMessage(sessA, "m1", events.MessageNew))
	removeFirst()
	removeFirst()
	tr.deliver(t, events.Message, newMessage(sessA, "m2", events.MessageNew))

	require.Equal(t, 1, first)
	require.Equal(t, 2, second)
}

func TestHandlerMayCallBackIntoSync(t *testing.T) {
	s, tr := connected(t)
	s.SetActiveSession(sessA)

	s.OnMessage(func(m events.ChatMessage) {
		s.SetActiveSession(sessB)
		s.EmitTyping(false)
	})
	tr.deliver(t, events.Message, newMessage(sessA, "m1", events.MessageNew))

	require.Equal(t, sessB, s.ActiveSession())
	require.Len(t, tr.named(events.Typing), 1)
}

func TestEmitFailureIsNotFatal(t *testing.T) {
	s, tr := connected(t)
	tr.emitErr = ErrNotConnected

	require.NotPanics(t, func() { s.SetActiveSession(sessA) })
	require.Equal(t, sessA, s.ActiveSession())
}
