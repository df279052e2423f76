package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
)

// AlertHandler receives alerts as they fire and resolve
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// Dispatcher fans alerts out to handlers with per-metric rate limiting.
// Enqueue hands alerts to a single background worker so callers never
// wait on a handler.
type Dispatcher struct {
	handlers []AlertHandler
	mutex    sync.Mutex
	logger   *logging.Logger
	clock    Clock

	// Rate limiting
	alertCounts   map[string]int
	lastReset     time.Time
	rateLimit     int
	resetInterval time.Duration

	// Background delivery
	queueMu   sync.RWMutex
	queue     chan Alert
	stopped   bool
	running   bool
	startOnce sync.Once
	done      chan struct{}
}

// DefaultDispatchLimit is the number of notifications per metric per interval
const DefaultDispatchLimit = 10

// DefaultQueueSize bounds the alerts waiting for delivery
const DefaultQueueSize = 100

// NewDispatcher creates a dispatcher. A zero interval disables rate limiting.
func NewDispatcher(logger *logging.Logger, clock Clock, interval time.Duration) *Dispatcher {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Dispatcher{
		logger:        logger.Named("alert_dispatcher"),
		clock:         clock,
		alertCounts:   make(map[string]int),
		lastReset:     clock.Now(),
		rateLimit:     DefaultDispatchLimit,
		resetInterval: interval,
		queue:         make(chan Alert, DefaultQueueSize),
		done:          make(chan struct{}),
	}
}

// Enqueue schedules alert for delivery and returns at once. The alert is
// dropped when the queue is full or the dispatcher is stopped.
func (d *Dispatcher) Enqueue(alert Alert) bool {
	d.queueMu.RLock()
	defer d.queueMu.RUnlock()

	if d.stopped {
		d.logger.Warn("Alert dropped, dispatcher stopped", "alert_id", alert.ID, "metric", alert.MetricName)
		return false
	}
	d.startOnce.Do(func() {
		d.running = true
		go d.deliver()
	})

	select {
	case d.queue <- alert:
		return true
	default:
		d.logger.Warn("Alert dropped, delivery queue full",
			"alert_id", alert.ID,
			"metric", alert.MetricName,
			"queue_size", cap(d.queue),
		)
		return false
	}
}

func (d *Dispatcher) deliver() {
	defer close(d.done)
	for alert := range d.queue {
		if err := d.Dispatch(context.Background(), alert); err != nil {
			d.logger.WithFields(logrus.Fields{
				"alert_id": alert.ID,
				"error":    err.Error(),
			}).Warn("Alert dispatch failed")
		}
	}
}

// Stop delivers the alerts already queued and then stops the worker
func (d *Dispatcher) Stop() {
	d.queueMu.Lock()
	if d.stopped {
		d.queueMu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	running := d.running
	d.queueMu.Unlock()

	if running {
		<-d.done
	}
}

// AddHandler adds an alert handler
func (d *Dispatcher) AddHandler(handler AlertHandler) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.handlers = append(d.handlers, handler)
	d.logger.Info("Alert handler added", "handler", handler.Name())
}

// Dispatch sends an alert to every handler. It fails only when the metric
// is over its rate limit or every handler failed.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert) error {
	d.mutex.Lock()
	allowed := d.checkRateLimit(alert.MetricName)
	handlers := append([]AlertHandler(nil), d.handlers...)
	d.mutex.Unlock()

	if !allowed {
		d.logger.Warn("Alert rate limit exceeded",
			"metric", alert.MetricName,
			"alert_id", alert.ID,
		)
		return errors.NewRateLimitError(fmt.Sprintf("alert rate limit exceeded for metric %s", alert.MetricName))
	}

	var lastErr error
	successCount := 0
	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			d.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return errors.NewExternalError("alert_handlers", "all alert handlers failed").WithCause(lastErr)
	}
	return nil
}

// checkRateLimit must be called with the mutex held
func (d *Dispatcher) checkRateLimit(source string) bool {
	if d.resetInterval <= 0 {
		return true
	}

	now := d.clock.Now()
	if now.Sub(d.lastReset) >= d.resetInterval {
		d.alertCounts = make(map[string]int)
		d.lastReset = now
	}

	count := d.alertCounts[source]
	if count >= d.rateLimit {
		return false
	}
	d.alertCounts[source] = count + 1
	return true
}

// LoggingAlertHandler writes alerts to the structured log
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a logging handler
func NewLoggingAlertHandler(logger *logging.Logger) *LoggingAlertHandler {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LoggingAlertHandler{logger: logger.Named("alerts")}
}

// HandleAlert logs the alert at a level matching its severity
func (h *LoggingAlertHandler) HandleAlert(_ context.Context, alert Alert) error {
	status := logging.StatusDegraded
	level := logrus.WarnLevel
	title := "ALERT: " + alert.MetricName

	switch {
	case alert.Resolved:
		status = logging.StatusRecovered
		level = logrus.InfoLevel
		title = "RESOLVED: " + alert.MetricName
	case alert.Severity == SeverityCritical:
		level = logrus.ErrorLevel
		title = "CRITICAL ALERT: " + alert.MetricName
	case alert.Severity == SeverityLow:
		level = logrus.InfoLevel
	}

	event := logging.Event{
		CorrelationID: alert.CorrelationID,
		ExecutionID:   alert.ExecutionID,
		Node:          alert.MetricName,
		Status:        status,
		Fields: map[string]interface{}{
			"alert_id":        alert.ID,
			"severity":        string(alert.Severity),
			"current_value":   alert.CurrentValue,
			"threshold_value": alert.ThresholdValue,
			"description":     alert.Message,
		},
	}
	for key, value := range alert.Tags {
		event = event.With("tag_"+key, value)
	}

	h.logger.Emit(level, title, event)
	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}
