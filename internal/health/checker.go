package health

import (
	"strings"
	"sync"
	"time"

	"github.com/peerprobehq/peerprobe/internal/metrics"
)

const (
	categoryQueuePressure    = "QUEUE_PRESSURE"
	categoryChannelPending   = "CHANNEL_PENDING"
	categoryChannelClosed    = "CHANNEL_CLOSED"
	categorySendFailures     = "SEND_FAILURES"
	categoryNegotiationError = "NEGOTIATION_ERROR"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// Checker evaluates readiness conditions for the endpoint: the channel
// must be open (or negotiation still underway), the report queue must
// have headroom, and sends must not be failing.
type Checker struct {
	metrics       *metrics.Store
	queueCapacity int

	mu               sync.RWMutex
	negotiationState string
	everOpen         bool
	prevSendFailures uint64
}

// NewChecker constructs a readiness checker bound to the provided
// metrics store.
func NewChecker(store *metrics.Store, queueCapacity int) *Checker {
	return &Checker{
		metrics:       store,
		queueCapacity: queueCapacity,
	}
}

// ObserveNegotiationState records the negotiator's current state.
func (c *Checker) ObserveNegotiationState(state string) {
	c.mu.Lock()
	c.negotiationState = state
	c.mu.Unlock()
}

// ObserveChannel records a channel open or close transition.
func (c *Checker) ObserveChannel(open bool) {
	c.mu.Lock()
	if open {
		c.everOpen = true
	}
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ObserveChannel(open)
	}
}

// Ready evaluates all readiness conditions and returns the overall
// status and reasons for failure. The outcome is published to the
// metrics store as a side effect.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 4)
	categories := make([]metrics.ReadinessCategory, 0, 4)
	appendCategory := func(name, severity string) {
		categories = append(categories, metrics.ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}

	var snap metrics.Snapshot
	if c.metrics != nil {
		snap = c.metrics.Snapshot()
	}

	c.mu.Lock()
	negotiationState := c.negotiationState
	everOpen := c.everOpen
	prevFailures := c.prevSendFailures
	c.prevSendFailures = snap.SendFailures
	c.mu.Unlock()

	if c.metrics != nil && c.queueCapacity > 0 {
		if snap.ReportQueueDepth >= int64(c.queueCapacity) {
			reasons = append(reasons, "report queue capacity exceeded")
			appendCategory(categoryQueuePressure, severityWarning)
		}
	}

	if negotiationState == "error" {
		reasons = append(reasons, "negotiation failed")
		appendCategory(categoryNegotiationError, severityCritical)
	}

	if !snap.ChannelOpen {
		if everOpen {
			reasons = append(reasons, "data channel closed")
			appendCategory(categoryChannelClosed, severityCritical)
		} else {
			reasons = append(reasons, "data channel not yet open")
			appendCategory(categoryChannelPending, severityInfo)
		}
	}

	// Failures since the previous evaluation, so a long-recovered burst
	// does not keep the endpoint unready forever.
	if snap.SendFailures > prevFailures {
		reasons = append(reasons, "channel sends failing")
		appendCategory(categorySendFailures, severityWarning)
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		if ready {
			c.metrics.ObserveReadiness(true, "", nil)
		} else {
			c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "), categories)
		}
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}
