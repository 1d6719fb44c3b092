package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/studiosync/internal/auth"
	"github.com/MarcoPoloResearchLab/studiosync/internal/channels"
)

const deliveryTimeout = 500 * time.Millisecond

func TestHubPublishesToSubscriber(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := hub.Subscribe(ctx, "studio:acme:tasks")
	defer cleanup()

	if err := hub.Publish(ctx, Message{Topic: "studio:acme:tasks", Event: "insert", Payload: []byte(`{"record":{"id":"t1"}}`)}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case received := <-stream:
		if received.Event != "insert" || string(received.Payload) != `{"record":{"id":"t1"}}` {
			t.Fatalf("unexpected message: %#v", received)
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected publish timestamp")
		}
	case <-time.After(deliveryTimeout):
		t.Fatal("expected message within deadline")
	}
}

func TestHubIsolatesTopics(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acmeStream, acmeCleanup := hub.Subscribe(ctx, "studio:acme:tasks")
	defer acmeCleanup()
	otherStream, otherCleanup := hub.Subscribe(ctx, "studio:globex:tasks")
	defer otherCleanup()

	_ = hub.Publish(ctx, Message{Topic: "studio:globex:tasks", Event: "update", Payload: []byte(`{"id":"t2"}`)})

	select {
	case <-acmeStream:
		t.Fatal("did not expect message for unrelated topic")
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case message := <-otherStream:
		if message.Topic != "studio:globex:tasks" {
			t.Fatalf("unexpected topic %s", message.Topic)
		}
	case <-time.After(deliveryTimeout):
		t.Fatal("expected message for subscribed topic")
	}
}

func TestHubUnregistersOnCancel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := hub.Subscribe(ctx, "studio:acme:logs")
	defer cleanup()
	if hub.SubscriberCount("studio:acme:logs") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()
	deadline := time.Now().Add(deliveryTimeout)
	for hub.SubscriberCount("studio:acme:logs") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected subscriber to be removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestIssuer(t *testing.T) *auth.TokenIssuer {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("hub-secret"),
		Issuer:        "studiosync-auth",
		Audience:      "studiosync-realtime",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	return issuer
}

func issueToken(t *testing.T, issuer *auth.TokenIssuer, tenants ...string) string {
	t.Helper()
	token, _, err := issuer.IssueAccessToken(context.Background(), auth.Identity{UserID: "user-1", TenantIDs: tenants})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

type statusRecorder struct {
	statuses chan channels.Status
	errs     chan error
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{statuses: make(chan channels.Status, 4), errs: make(chan error, 4)}
}

func (r *statusRecorder) record(status channels.Status, err error) {
	r.statuses <- status
	r.errs <- err
}

func TestHubTransportPrivateJoin(t *testing.T) {
	issuer := newTestIssuer(t)
	tests := []struct {
		name       string
		credential auth.Credential
		want       channels.Status
	}{
		{name: "no auth", credential: auth.NoAuth, want: channels.StatusErrored},
		{name: "ambient", credential: auth.AmbientSession, want: channels.StatusErrored},
		{name: "other tenant", credential: auth.TokenCredential(issueToken(t, issuer, "globex")), want: channels.StatusErrored},
		{name: "garbage token", credential: auth.TokenCredential("not-a-jwt"), want: channels.StatusErrored},
		{name: "tenant token", credential: auth.TokenCredential(issueToken(t, issuer, "acme")), want: channels.StatusSubscribed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, err := NewHubTransport(HubTransportConfig{Hub: NewHub(), Validator: issuer})
			if err != nil {
				t.Fatalf("failed to construct transport: %v", err)
			}
			if err := transport.SetAuth(context.Background(), tt.credential); err != nil {
				t.Fatalf("set auth failed: %v", err)
			}
			channel := transport.Channel("studio:acme:quotes", channels.Options{Private: true})
			recorder := newStatusRecorder()
			if err := channel.Subscribe(context.Background(), recorder.record); err != nil {
				t.Fatalf("subscribe failed: %v", err)
			}
			defer transport.RemoveChannel(context.Background(), channel)

			if status := <-recorder.statuses; status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, status)
			}
			statusErr := <-recorder.errs
			if tt.want == channels.StatusErrored && !errors.Is(statusErr, ErrAccessDenied) {
				t.Fatalf("expected access denied, got %v", statusErr)
			}
		})
	}
}

func TestHubTransportDeliversToNamedAndWildcardHandlers(t *testing.T) {
	hub := NewHub()
	transport, err := NewHubTransport(HubTransportConfig{Hub: hub})
	if err != nil {
		t.Fatalf("failed to construct transport: %v", err)
	}
	channel := transport.Channel("studio:acme:notifications", channels.Options{})
	named := make(chan string, 4)
	wildcard := make(chan string, 4)
	channel.On("insert", func(eventName string, _ []byte) { named <- eventName })
	channel.On("*", func(eventName string, _ []byte) { wildcard <- eventName })

	recorder := newStatusRecorder()
	if err := channel.Subscribe(context.Background(), recorder.record); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if status := <-recorder.statuses; status != channels.StatusSubscribed {
		t.Fatalf("expected subscribed, got %s", status)
	}

	_ = hub.Publish(context.Background(), Message{Topic: "studio:acme:notifications", Event: "insert", Payload: []byte(`{"id":"n1"}`)})

	for _, stream := range []chan string{named, wildcard} {
		select {
		case eventName := <-stream:
			if eventName != "insert" {
				t.Fatalf("unexpected event name %s", eventName)
			}
		case <-time.After(deliveryTimeout):
			t.Fatal("expected delivery within deadline")
		}
	}

	if err := transport.RemoveChannel(context.Background(), channel); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if hub.SubscriberCount("studio:acme:notifications") != 0 {
		t.Fatalf("expected hub subscription to be released")
	}
}

func TestHubTransportSkipsOwnBroadcastsUnlessSelf(t *testing.T) {
	tests := []struct {
		name          string
		broadcastSelf bool
		wantDelivery  bool
	}{
		{name: "self disabled", broadcastSelf: false, wantDelivery: false},
		{name: "self enabled", broadcastSelf: true, wantDelivery: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, err := NewHubTransport(HubTransportConfig{Hub: NewHub()})
			if err != nil {
				t.Fatalf("failed to construct transport: %v", err)
			}
			channel := transport.Channel("studio:acme:notifications", channels.Options{BroadcastSelf: tt.broadcastSelf})
			delivered := make(chan struct{}, 1)
			channel.On("update", func(string, []byte) { delivered <- struct{}{} })
			if err := channel.Subscribe(context.Background(), func(channels.Status, error) {}); err != nil {
				t.Fatalf("subscribe failed: %v", err)
			}
			defer transport.RemoveChannel(context.Background(), channel)

			if err := transport.Publish(context.Background(), "studio:acme:notifications", "update", []byte(`{"id":"n1"}`)); err != nil {
				t.Fatalf("publish failed: %v", err)
			}
			select {
			case <-delivered:
				if !tt.wantDelivery {
					t.Fatal("did not expect own broadcast")
				}
			case <-time.After(100 * time.Millisecond):
				if tt.wantDelivery {
					t.Fatal("expected own broadcast")
				}
			}
		})
	}
}
