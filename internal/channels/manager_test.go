package channels

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/studiosync/internal/events"
)

type fakeTransport struct {
	mu       sync.Mutex
	created  []*fakeChannel
	removed  int
	autoJoin bool
}

func (f *fakeTransport) Channel(topic string, options Options) TransportChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel := &fakeChannel{topic: topic, options: options, handlers: make(map[string][]RawHandler), autoJoin: f.autoJoin}
	f.created = append(f.created, channel)
	return channel
}

func (f *fakeTransport) RemoveChannel(context.Context, TransportChannel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	return nil
}

type fakeChannel struct {
	topic        string
	options      Options
	handlers     map[string][]RawHandler
	autoJoin     bool
	subscribes   int
	unsubscribes int
	onStatus     StatusFunc
}

func (c *fakeChannel) Topic() string { return c.topic }

func (c *fakeChannel) On(eventName string, handler RawHandler) {
	c.handlers[eventName] = append(c.handlers[eventName], handler)
}

func (c *fakeChannel) Subscribe(_ context.Context, onStatus StatusFunc) error {
	c.subscribes++
	c.onStatus = onStatus
	if c.autoJoin {
		onStatus(StatusSubscribed, nil)
	}
	return nil
}

func (c *fakeChannel) Unsubscribe(context.Context) error {
	c.unsubscribes++
	return nil
}

func (c *fakeChannel) emit(eventName string, payload string) {
	for _, handler := range c.handlers[eventName] {
		handler(eventName, []byte(payload))
	}
}

func newTestManager(t *testing.T, transport *fakeTransport) *Manager {
	t.Helper()
	manager, err := NewManager(ManagerConfig{Transport: transport})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	return manager
}

func quotesConfig(t *testing.T, tenantID string) Config {
	t.Helper()
	preset, err := LookupPreset(ResourceQuotes)
	if err != nil {
		t.Fatalf("lookup preset: %v", err)
	}
	return Config{Preset: preset, TenantID: tenantID}
}

func TestOpenReturnsSubscribedChannel(t *testing.T) {
	transport := &fakeTransport{autoJoin: true}
	manager := newTestManager(t, transport)
	ctx := context.Background()

	first, err := manager.Open(ctx, quotesConfig(t, "acme"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := first.Subscribe(ctx, nil); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if first.State() != StateSubscribed {
		t.Fatalf("expected subscribed state, got %s", first.State())
	}

	second, err := manager.Open(ctx, quotesConfig(t, "acme"))
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	if second != first {
		t.Fatalf("expected the existing handle to be returned")
	}
	if len(transport.created) != 1 {
		t.Fatalf("expected one transport channel, got %d", len(transport.created))
	}
	if transport.created[0].subscribes != 1 {
		t.Fatalf("expected one transport subscription, got %d", transport.created[0].subscribes)
	}
}

func TestOpenReplacesStaleChannel(t *testing.T) {
	transport := &fakeTransport{}
	manager := newTestManager(t, transport)
	ctx := context.Background()

	first, err := manager.Open(ctx, quotesConfig(t, "acme"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := first.Subscribe(ctx, nil); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	transport.created[0].onStatus(StatusErrored, errors.New("rejected"))
	if first.State() != StateErrored {
		t.Fatalf("expected errored state, got %s", first.State())
	}

	second, err := manager.Open(ctx, quotesConfig(t, "acme"))
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	if second == first {
		t.Fatalf("expected a fresh handle after an error")
	}
	if first.State() != StateClosed {
		t.Fatalf("expected stale channel to be closed, got %s", first.State())
	}
	if transport.removed != 1 || transport.created[0].unsubscribes != 1 {
		t.Fatalf("expected stale transport channel to be released")
	}
}

func TestOpenNamesChannelByScopeTenantResource(t *testing.T) {
	transport := &fakeTransport{}
	manager := newTestManager(t, transport)

	channel, err := manager.Open(context.Background(), quotesConfig(t, "acme"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if channel.Topic() != "studio:acme:quotes" {
		t.Fatalf("unexpected topic: %s", channel.Topic())
	}
	if !transport.created[0].options.Private || !transport.created[0].options.BroadcastAck {
		t.Fatalf("expected preset flags on transport channel: %#v", transport.created[0].options)
	}
	if _, ok := manager.Lookup("studio:acme:quotes"); !ok {
		t.Fatalf("expected manager to track the channel")
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	manager := newTestManager(t, &fakeTransport{})
	if _, err := manager.Open(context.Background(), quotesConfig(t, "")); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("expected invalid topic error, got %v", err)
	}
	if _, err := manager.Open(context.Background(), quotesConfig(t, "a:b")); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("expected invalid topic error, got %v", err)
	}
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	transport := &fakeTransport{autoJoin: true}
	manager := newTestManager(t, transport)
	ctx := context.Background()

	channel, err := manager.Open(ctx, quotesConfig(t, "acme"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	var received []events.ChangeEvent
	if err := channel.On("update", func(_ string, event events.ChangeEvent) {
		received = append(received, event)
	}); err != nil {
		t.Fatalf("register listener: %v", err)
	}
	if err := channel.Subscribe(ctx, nil); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	transport.created[0].emit("update", `{"record":{"id":"q1"}}`)
	if len(received) != 1 || received[0].EntityID != "q1" {
		t.Fatalf("expected one normalized event, got %#v", received)
	}

	manager.Close(ctx, channel)
	manager.Close(ctx, channel)
	transport.created[0].emit("update", `{"record":{"id":"q2"}}`)

	if len(received) != 1 {
		t.Fatalf("expected no delivery after close, got %d events", len(received))
	}
	if transport.removed != 1 || transport.created[0].unsubscribes != 1 {
		t.Fatalf("expected a single release, got removed=%d unsubscribes=%d", transport.removed, transport.created[0].unsubscribes)
	}
	if err := channel.On("insert", func(string, events.ChangeEvent) {}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected closed channel error, got %v", err)
	}
	if _, ok := manager.Lookup(channel.Topic()); ok {
		t.Fatalf("expected channel to be forgotten")
	}
}

func TestChannelDropsUnknownPayloads(t *testing.T) {
	transport := &fakeTransport{}
	manager := newTestManager(t, transport)

	channel, err := manager.Open(context.Background(), quotesConfig(t, "acme"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	calls := 0
	if err := channel.On("update", func(string, events.ChangeEvent) { calls++ }); err != nil {
		t.Fatalf("register listener: %v", err)
	}
	transport.created[0].emit("update", `{"title":"no id"}`)
	transport.created[0].emit("update", `not json`)
	if calls != 0 {
		t.Fatalf("expected unknown payloads to be ignored, got %d calls", calls)
	}
}

func TestParseTopic(t *testing.T) {
	scope, tenant, resource, err := ParseTopic("studio:acme:logs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scope != "studio" || tenant != "acme" || resource != "logs" {
		t.Fatalf("unexpected segments: %s %s %s", scope, tenant, resource)
	}
	if _, _, _, err := ParseTopic("studio:acme"); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("expected invalid topic, got %v", err)
	}
}

func TestConcurrentOpenReleasesEveryReplacedChannel(t *testing.T) {
	transport := &fakeTransport{}
	manager := newTestManager(t, transport)
	ctx := context.Background()
	cfg := quotesConfig(t, "acme")

	const openers = 16
	var wg sync.WaitGroup
	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := manager.Open(ctx, cfg); err != nil {
				t.Errorf("open failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, ok := manager.Lookup(cfg.Topic()); !ok {
		t.Fatalf("expected one registered channel")
	}
	manager.CloseAll(ctx)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.created) != openers {
		t.Fatalf("expected %d transport channels, got %d", openers, len(transport.created))
	}
	if transport.removed != openers {
		t.Fatalf("expected every transport channel to be released, got %d of %d", transport.removed, openers)
	}
	for index, channel := range transport.created {
		if channel.unsubscribes != 1 {
			t.Fatalf("transport channel %d released %d times", index, channel.unsubscribes)
		}
	}
}
