// Package webhook delivers signed lifecycle and message events to the
// endpoint each instance subscribed, retrying a bounded number of times.
//
// Dispatch never blocks or fails its caller. Deliveries run on a fixed pool
// of workers fed by a bounded queue; retries wait on a keyed scheduler so
// they can be cancelled per instance and all at once on shutdown.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/telemyapp/linkgate/internal/metrics"
	"github.com/telemyapp/linkgate/internal/model"
	"github.com/telemyapp/linkgate/internal/schedule"
)

var (
	ErrNoSubscription       = errors.New("no webhook subscription")
	ErrSubscriptionInactive = errors.New("webhook subscription inactive")
)

// Store is the persistence the dispatcher needs. GetSubscription returns
// nil, nil when the instance has no subscription.
type Store interface {
	GetSubscription(ctx context.Context, instanceID string) (*model.EventSubscription, error)
	RecordDeliverySuccess(ctx context.Context, instanceID string, at time.Time) error
	RecordDeliveryFailure(ctx context.Context, instanceID string, at time.Time, lastErr string) error
}

type Options struct {
	Timeout       time.Duration
	MaxRetries    int
	RetrySchedule []time.Duration
	Workers       int
	QueueSize     int
	RatePerSecond float64
	Breaker       BreakerOptions
	HTTPClient    *http.Client
}

func DefaultOptions() Options {
	return Options{
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetrySchedule: []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		Workers:       8,
		QueueSize:     1024,
	}
}

type job struct {
	id         string
	instanceID string
	eventType  string
	data       any
	at         time.Time
	sub        *model.EventSubscription
	body       []byte
	attempt    int
}

type Dispatcher struct {
	store    Store
	opts     Options
	client   *http.Client
	retries  *schedule.Scheduler
	limiter  *rate.Limiter
	breakers *breakers
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan *job

	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(store Store, opts Options, logger *zap.Logger) *Dispatcher {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if len(opts.RetrySchedule) == 0 {
		opts.RetrySchedule = def.RetrySchedule
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		store:    store,
		opts:     opts,
		client:   client,
		retries:  schedule.New(),
		breakers: newBreakers(opts.Breaker),
		logger:   logger,
		now:      time.Now,
		queue:    make(chan *job, opts.QueueSize),
	}
	if opts.RatePerSecond > 0 {
		burst := int(opts.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return d
}

// Start launches the worker pool. Workers stop when the queue is closed by
// Shutdown or when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			d.work(gctx)
			return nil
		})
	}
	d.group = g
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(ctx, j)
		}
	}
}

// Dispatch queues eventType for instanceID. Lookup of the subscription and
// the HTTP delivery happen on the worker pool.
func (d *Dispatcher) Dispatch(instanceID, eventType string, data any) {
	j := &job{
		id:         uuid.NewString(),
		instanceID: instanceID,
		eventType:  eventType,
		data:       data,
		at:         d.now().UTC(),
	}
	if !d.enqueue(j) {
		metrics.Default().IncCounter("linkgate_webhook_dropped_total", map[string]string{"reason": "queue_full"})
		d.logger.Warn("webhook_dispatch_dropped",
			zap.String("instance_id", instanceID),
			zap.String("event", eventType),
		)
	}
}

func (d *Dispatcher) enqueue(j *job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- j:
		return true
	default:
		return false
	}
}

// CancelInstance drops every pending retry for instanceID.
func (d *Dispatcher) CancelInstance(instanceID string) {
	if n := d.retries.CancelPrefix(instanceID + "/"); n > 0 {
		d.logger.Info("webhook_retries_cancelled", zap.String("instance_id", instanceID), zap.Int("count", n))
	}
}

func (d *Dispatcher) process(ctx context.Context, j *job) {
	if j.sub == nil {
		sub, err := d.store.GetSubscription(ctx, j.instanceID)
		if err != nil {
			d.logger.Error("webhook_subscription_lookup_failed", zap.String("instance_id", j.instanceID), zap.Error(err))
			return
		}
		if !sub.Wants(j.eventType) {
			return
		}
		body, err := BuildBody(j.eventType, InstanceRef{ID: j.instanceID, Name: sub.InstanceName}, j.data, j.at)
		if err != nil {
			d.logger.Error("webhook_marshal_failed", zap.String("instance_id", j.instanceID), zap.String("event", j.eventType), zap.Error(err))
			return
		}
		j.sub = sub
		j.body = body
	}

	err := d.attempt(ctx, j)
	if err == nil {
		d.recordSuccess(j)
		return
	}
	if j.attempt >= d.opts.MaxRetries {
		d.recordFailure(j, err)
		return
	}

	delay := d.retryDelay(j.attempt)
	j.attempt++
	d.logger.Info("webhook_retry_scheduled",
		zap.String("instance_id", j.instanceID),
		zap.String("event", j.eventType),
		zap.String("delivery_id", j.id),
		zap.Int("retry", j.attempt),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	scheduled := d.retries.Schedule(j.instanceID+"/"+j.id, delay, func() {
		if !d.enqueue(j) {
			metrics.Default().IncCounter("linkgate_webhook_dropped_total", map[string]string{"reason": "retry_queue_full"})
			d.recordFailure(j, fmt.Errorf("retry dropped: %w", err))
		}
	})
	if !scheduled {
		d.logger.Info("webhook_retry_abandoned", zap.String("instance_id", j.instanceID), zap.String("delivery_id", j.id))
	}
}

func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	if attempt < len(d.opts.RetrySchedule) {
		return d.opts.RetrySchedule[attempt]
	}
	return d.opts.RetrySchedule[len(d.opts.RetrySchedule)-1]
}

func (d *Dispatcher) attempt(ctx context.Context, j *job) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	start := time.Now()
	err := d.breakers.forURL(j.sub.URL).Execute(func() error {
		_, postErr := d.post(ctx, j.sub, j.eventType, j.instanceID, j.body)
		return postErr
	})
	durMS := float64(time.Since(start).Milliseconds())
	statusLabel := "ok"
	if err != nil {
		statusLabel = "error"
	}
	metrics.Default().IncCounter("linkgate_webhook_deliveries_total", map[string]string{"status": statusLabel})
	metrics.Default().ObserveHistogram("linkgate_webhook_delivery_latency_ms", durMS, map[string]string{"status": statusLabel})
	return err
}

func (d *Dispatcher) post(ctx context.Context, sub *model.EventSubscription, eventType, instanceID string, body []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderSignature, Sign(sub.Secret, body))
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderInstance, instanceID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) recordSuccess(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.RecordDeliverySuccess(ctx, j.instanceID, d.now().UTC()); err != nil {
		d.logger.Error("webhook_record_success_failed", zap.String("instance_id", j.instanceID), zap.Error(err))
	}
}

func (d *Dispatcher) recordFailure(j *job, cause error) {
	d.logger.Warn("webhook_delivery_failed",
		zap.String("instance_id", j.instanceID),
		zap.String("event", j.eventType),
		zap.String("delivery_id", j.id),
		zap.Int("attempts", j.attempt+1),
		zap.Error(cause),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.RecordDeliveryFailure(ctx, j.instanceID, d.now().UTC(), cause.Error()); err != nil {
		d.logger.Error("webhook_record_failure_failed", zap.String("instance_id", j.instanceID), zap.Error(err))
	}
}

type TestResult struct {
	StatusCode int
	Duration   time.Duration
	Error      string
}

// SendTest delivers one synchronous webhook.test event without retries.
func (d *Dispatcher) SendTest(ctx context.Context, instanceID string) (TestResult, error) {
	sub, err := d.store.GetSubscription(ctx, instanceID)
	if err != nil {
		return TestResult{}, err
	}
	if sub == nil {
		return TestResult{}, ErrNoSubscription
	}
	if !sub.Active {
		return TestResult{}, ErrSubscriptionInactive
	}
	j := &job{id: uuid.NewString(), instanceID: instanceID, eventType: "webhook.test", at: d.now().UTC(), sub: sub}
	j.body, err = BuildBody(j.eventType, InstanceRef{ID: instanceID, Name: sub.InstanceName}, map[string]any{"test": true}, j.at)
	if err != nil {
		return TestResult{}, err
	}
	start := time.Now()
	code, postErr := d.post(ctx, sub, j.eventType, instanceID, j.body)
	res := TestResult{StatusCode: code, Duration: time.Since(start)}
	if postErr != nil {
		res.Error = postErr.Error()
		d.recordFailure(j, postErr)
		return res, nil
	}
	d.recordSuccess(j)
	return res, nil
}

// Shutdown stops intake, cancels pending retries and waits for queued
// deliveries to drain. When ctx expires first, in-flight requests are
// cancelled and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.retries.Stop()
	if d.group == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- d.group.Wait() }()
	select {
	case err := <-done:
		d.cancel()
		return err
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
