package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/studiosync/internal/auth"
	"github.com/MarcoPoloResearchLab/studiosync/internal/channels"
	"github.com/MarcoPoloResearchLab/studiosync/internal/events"
	"go.uber.org/zap"
)

const (
	DefaultRetryAttempts      = 3
	DefaultRetryDelay         = 2 * time.Second
	DefaultAuthorizationDelay = 500 * time.Millisecond

	updatesBufferSize = 32
)

var (
	// ErrUnauthenticated indicates that the channel requires a signed-in identity.
	ErrUnauthenticated = errors.New("subscription: authentication required")
	// ErrUnauthorized indicates that the identity may not access the tenant.
	ErrUnauthorized = errors.New("subscription: not authorized for tenant")
	// ErrRetriesExhausted indicates that reconnection gave up.
	ErrRetriesExhausted = errors.New("subscription: reconnect attempts exhausted")

	errMissingHandshake = errors.New("subscription: handshake required")
	errMissingManager   = errors.New("subscription: channel manager required")
	errMissingAuthz     = errors.New("subscription: authorizer required for membership channels")
)

// Establisher runs the auth handshake.
type Establisher interface {
	Establish(ctx context.Context, requiresAuth bool) (auth.HandshakeResult, error)
}

// Authorizer decides whether an identity may subscribe to a tenant's channels.
type Authorizer interface {
	Authorize(ctx context.Context, identity auth.Identity, tenantID string) error
}

// Handler receives one normalized change event on the dispatcher's goroutine.
type Handler func(ctx context.Context, event events.ChangeEvent)

// Handlers binds an optional handler per operation.
type Handlers struct {
	Insert Handler
	Update Handler
	Delete Handler
}

func (h Handlers) forOperation(operation events.Operation) Handler {
	switch operation {
	case events.OperationInsert:
		return h.Insert
	case events.OperationUpdate:
		return h.Update
	case events.OperationDelete:
		return h.Delete
	default:
		return nil
	}
}

// StatusUpdate is one entry of the status stream.
type StatusUpdate struct {
	Topic   string
	Status  channels.Status
	Err     error
	Attempt int
	// Retrying is set while a reconnect is scheduled.
	Retrying bool
	// Fatal is set on the final update of a dispatcher that gave up.
	Fatal bool
}

// Config describes one subscription.
type Config struct {
	Channel            channels.Config
	Handshake          Establisher
	Authorizer         Authorizer
	Manager            *channels.Manager
	Handlers           Handlers
	AuthorizationDelay time.Duration
	RetryAttempts      int
	RetryDelay         time.Duration
	Sleep              func(ctx context.Context, delay time.Duration) error
	Logger             *zap.Logger
}

// Dispatcher owns the lifecycle of one channel subscription: handshake,
// authorization, open, listener binding, subscribe, reconnect and teardown.
// Transport callbacks are funneled through a mailbox drained by a single
// goroutine, so handlers never run concurrently and callbacks never block.
type Dispatcher struct {
	cfg     Config
	topic   string
	logger  *zap.Logger
	sleep   func(ctx context.Context, delay time.Duration) error
	cancel  context.CancelFunc
	updates chan StatusUpdate
	queue   *mailbox
	done    chan struct{}

	disposed   atomic.Bool
	generation atomic.Int64

	mu      sync.Mutex
	err     error
	channel *channels.Channel
}

type queueItem struct {
	generation int64
	status     *channels.Status
	statusErr  error
	event      *events.ChangeEvent
}

// Start validates the configuration and begins the lifecycle in the background.
// Cancelling ctx or calling Close tears the subscription down.
func Start(ctx context.Context, cfg Config) (*Dispatcher, error) {
	if cfg.Handshake == nil {
		return nil, errMissingHandshake
	}
	if cfg.Manager == nil {
		return nil, errMissingManager
	}
	if cfg.Channel.RequiresMembership && cfg.Authorizer == nil {
		return nil, errMissingAuthz
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.AuthorizationDelay < 0 {
		cfg.AuthorizationDelay = 0
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = auth.SleepContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		cfg:     cfg,
		topic:   cfg.Channel.Topic(),
		sleep:   sleep,
		cancel:  cancel,
		updates: make(chan StatusUpdate, updatesBufferSize),
		queue:   newMailbox(),
		done:    make(chan struct{}),
	}
	d.logger = logger.With(zap.String("channel", d.topic))

	go d.run(runCtx)
	return d, nil
}

// Updates streams status transitions. It is closed after teardown.
func (d *Dispatcher) Updates() <-chan StatusUpdate {
	return d.updates
}

// Done is closed once the dispatcher has released its channel.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Err returns the terminal error, if the dispatcher gave up.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Close marks the dispatcher disposed and waits for teardown. It must not be
// called from a Handler.
func (d *Dispatcher) Close() {
	d.disposed.Store(true)
	d.cancel()
	<-d.done
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.teardown()

	attempt := 0
	for {
		err := d.connect(ctx)
		if err == nil {
			err = d.serve(ctx, &attempt)
		}
		if d.stopped(ctx) {
			return
		}
		if errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrUnauthorized) || errors.Is(err, channels.ErrInvalidTopic) {
			d.fail(err, attempt)
			return
		}

		attempt++
		d.releaseChannel()
		d.queue.reset()
		if attempt > d.cfg.RetryAttempts {
			d.fail(fmt.Errorf("%w: %v", ErrRetriesExhausted, err), attempt-1)
			return
		}
		d.logger.Info("channel reconnect scheduled", zap.Int("attempt", attempt), zap.Error(err))
		d.emit(StatusUpdate{Status: channels.StatusErrored, Err: err, Attempt: attempt, Retrying: true})
		if sleepErr := d.sleep(ctx, d.cfg.RetryDelay); sleepErr != nil {
			return
		}
	}
}

// connect runs the handshake through subscribe. Every suspension point is
// followed by a disposed check.
func (d *Dispatcher) connect(ctx context.Context) error {
	preset := d.cfg.Channel.Preset

	result, err := d.cfg.Handshake.Establish(ctx, preset.RequiresAuth)
	if d.stopped(ctx) {
		return ctx.Err()
	}
	if err != nil {
		if errors.Is(err, auth.ErrNoIdentity) {
			return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return err
	}

	if preset.RequiresMembership {
		if result.Identity == nil {
			return ErrUnauthenticated
		}
		err := d.cfg.Authorizer.Authorize(ctx, *result.Identity, d.cfg.Channel.TenantID)
		if d.stopped(ctx) {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if d.cfg.AuthorizationDelay > 0 {
			if err := d.sleep(ctx, d.cfg.AuthorizationDelay); err != nil {
				return err
			}
			if d.stopped(ctx) {
				return ctx.Err()
			}
		}
	}

	channel, err := d.cfg.Manager.Open(ctx, d.cfg.Channel)
	if err != nil {
		return err
	}
	generation := d.generation.Add(1)
	d.mu.Lock()
	d.channel = channel
	d.mu.Unlock()

	for _, operation := range []events.Operation{events.OperationInsert, events.OperationUpdate, events.OperationDelete} {
		if err := channel.On(string(operation), d.eventListener(generation)); err != nil {
			return err
		}
	}
	if err := channel.On(events.EventWildcard, d.wildcardListener(generation)); err != nil {
		return err
	}

	if channel.State() == channels.StateSubscribed {
		status := channels.StatusSubscribed
		d.enqueue(queueItem{generation: generation, status: &status})
		return nil
	}

	return channel.Subscribe(ctx, func(status channels.Status, statusErr error) {
		d.enqueue(queueItem{generation: generation, status: &status, statusErr: statusErr})
	})
}

// serve consumes the queue until the channel fails or the context ends.
func (d *Dispatcher) serve(ctx context.Context, attempt *int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.queue.ready:
		}
		for _, item := range d.queue.take() {
			if d.stopped(ctx) {
				return ctx.Err()
			}
			if item.generation != d.generation.Load() {
				continue
			}
			if item.event != nil {
				d.dispatch(ctx, *item.event)
				continue
			}
			if err := d.handleStatus(*item.status, item.statusErr, attempt); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) handleStatus(status channels.Status, statusErr error, attempt *int) error {
	switch status {
	case channels.StatusSubscribed:
		*attempt = 0
		d.logger.Info("channel subscribed")
		d.emit(StatusUpdate{Status: channels.StatusSubscribed})
		return nil
	case channels.StatusTimedOut:
		if statusErr == nil {
			d.logger.Debug("channel subscribe timed out")
			return nil
		}
		return fmt.Errorf("channel timed out: %w", statusErr)
	case channels.StatusClosed:
		if statusErr == nil {
			statusErr = errors.New("closed by transport")
		}
		return fmt.Errorf("channel closed: %w", statusErr)
	default:
		if statusErr == nil {
			statusErr = errors.New("rejected by transport")
		}
		return fmt.Errorf("channel errored: %w", statusErr)
	}
}

func (d *Dispatcher) eventListener(generation int64) channels.Listener {
	return func(_ string, event events.ChangeEvent) {
		d.enqueue(queueItem{generation: generation, event: &event})
	}
}

// wildcardListener covers transports that deliver every operation under one
// generic name. Deliveries under a specific operation name already reach the
// per-operation listeners.
func (d *Dispatcher) wildcardListener(generation int64) channels.Listener {
	return func(deliveredName string, event events.ChangeEvent) {
		if events.ParseOperation(deliveredName) != events.OperationUnknown {
			return
		}
		d.enqueue(queueItem{generation: generation, event: &event})
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, event events.ChangeEvent) {
	handler := d.cfg.Handlers.forOperation(event.Operation)
	if handler == nil {
		return
	}
	handler(ctx, event)
}

func (d *Dispatcher) enqueue(item queueItem) {
	if d.disposed.Load() {
		return
	}
	d.queue.push(item)
}

func (d *Dispatcher) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		d.disposed.Store(true)
	}
	return d.disposed.Load()
}

func (d *Dispatcher) fail(err error, attempt int) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
	d.logger.Warn("subscription stopped", zap.Error(err))
	d.emit(StatusUpdate{Status: channels.StatusErrored, Err: err, Attempt: attempt, Fatal: true})
}

func (d *Dispatcher) emit(update StatusUpdate) {
	update.Topic = d.topic
	select {
	case d.updates <- update:
	default:
		d.logger.Warn("status update dropped", zap.String("status", string(update.Status)))
	}
}

func (d *Dispatcher) releaseChannel() {
	d.mu.Lock()
	channel := d.channel
	d.channel = nil
	d.mu.Unlock()
	if channel != nil {
		d.cfg.Manager.Close(context.Background(), channel)
	}
}

func (d *Dispatcher) teardown() {
	d.disposed.Store(true)
	d.releaseChannel()
	d.emit(StatusUpdate{Status: channels.StatusClosed, Err: d.Err()})
	close(d.updates)
	close(d.done)
	d.cancel()
}
