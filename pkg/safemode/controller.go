package safemode

import (
	"strings"
	"sync"

	"github.com/cuemby/scm/pkg/events"
	"github.com/cuemby/scm/pkg/log"
	"github.com/cuemby/scm/pkg/metrics"
	"github.com/cuemby/scm/pkg/types"
)

// Config is the §6 safe-mode configuration surface.
type Config struct {
	Enabled                   bool
	MinDatanodes              int
	ContainerThreshold        float64
	PipelineAvailabilityCheck bool
}

func (c *Config) setDefaults() {
	if c.MinDatanodes == 0 {
		c.MinDatanodes = 1
	}
	if c.ContainerThreshold == 0 {
		c.ContainerThreshold = 0.99
	}
}

// watchedEvents is the set of broker events that could move a rule
// from failing to passing (§4.7 "re-evaluated after every report that
// could satisfy one"): registration, pipeline open, container
// allocation and replica reports. Health regressions are deliberately excluded — the flip is
// one-way, so a rule going from pass to fail never needs to trigger
// re-evaluation of the cluster-wide flag.
var watchedEvents = map[events.EventType]bool{
	events.EventNodeRegistered:          true,
	events.EventPipelineOpened:          true,
	events.EventContainerAllocated:      true,
	events.EventContainerReplicaReported: true,
}

// Controller is the Safe-Mode Controller (§4.7). It holds no
// authoritative state: status is derived entirely from re-running its
// rules against the live Node/Pipeline/Container Managers, and is
// monotone for the lifetime of the process once both fields reach
// (false, true).
type Controller struct {
	mu sync.RWMutex

	preCheckRules []Rule
	allRules      []Rule

	status types.SafeModeStatus
	cfg    Config
	brk    *events.Broker

	stopCh chan struct{}
}

// New builds a Controller wired to the live Node/Pipeline/Container
// Managers via their narrow read-only interfaces. HealthyPipelineRule
// and OneReplicaPipelineRule are included only when
// cfg.PipelineAvailabilityCheck is set (§4.7 "optional").
func New(cfg Config, nodes NodeSource, pipelines PipelineSource, containers ContainerSource, brk *events.Broker) *Controller {
	cfg.setDefaults()

	minDN := NewMinDatanodesRule(cfg.MinDatanodes, nodes)
	replicaRule := NewContainerReplicaRule(cfg.ContainerThreshold, containers)

	all := []Rule{minDN, replicaRule}
	if cfg.PipelineAvailabilityCheck {
		all = append(all, NewHealthyPipelineRule(0.99, pipelines), NewOneReplicaPipelineRule(pipelines))
	}

	return &Controller{
		preCheckRules: []Rule{minDN},
		allRules:      all,
		status:        types.SafeModeStatus{InSafeMode: true, PreCheckComplete: false},
		cfg:           cfg,
		brk:           brk,
		stopCh:        make(chan struct{}),
	}
}

// Status returns a snapshot of the current safe-mode status.
func (c *Controller) Status() types.SafeModeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// ReadTrafficAllowed reports whether read RPCs should currently be
// served: allowed once PreCheckComplete, even while still in safe
// mode (§4.7).
func (c *Controller) ReadTrafficAllowed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.PreCheckComplete
}

// StatusReport renders one line per rule plus the overall flag, for
// `scm safemode status`.
func (c *Controller) StatusReport() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var b strings.Builder
	b.WriteString("in_safe_mode=")
	if c.status.InSafeMode {
		b.WriteString("true")
	} else {
		b.WriteString("false")
	}
	b.WriteString(" pre_check_complete=")
	if c.status.PreCheckComplete {
		b.WriteString("true")
	} else {
		b.WriteString("false")
	}
	b.WriteString("\n")
	for _, r := range c.allRules {
		b.WriteString(r.StatusText())
		b.WriteString("\n")
	}
	return b.String()
}

// Start subscribes to the event broker and re-evaluates rules on every
// event that could satisfy one, exactly the cadence §4.7 requires.
// If cfg.Enabled is false, safe mode is disabled entirely: the status
// is immediately cleared and no subscription is started.
func (c *Controller) Start() {
	if !c.cfg.Enabled {
		c.mu.Lock()
		c.status = types.SafeModeStatus{InSafeMode: false, PreCheckComplete: true}
		c.mu.Unlock()
		metrics.SafeModeActive.Set(0)
		log.Logger.Info().Msg("safemode: disabled by configuration")
		return
	}

	metrics.SafeModeActive.Set(1)
	c.Reevaluate()

	sub := c.brk.Subscribe()
	go func() {
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if watchedEvents[ev.Type] {
					c.Reevaluate()
				}
			case <-c.stopCh:
				c.brk.Unsubscribe(sub)
				return
			}
		}
	}()
}

func (c *Controller) Stop() { close(c.stopCh) }

// Reevaluate refreshes and validates every rule, then applies the
// one-way status transitions from §4.7. It is safe to call
// concurrently and from any goroutine, including directly from
// callers that skip event-driven triggering (e.g. tests).
func (c *Controller) Reevaluate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.PreCheckComplete && !c.status.InSafeMode {
		return // monotone: nothing left to evaluate
	}

	for _, r := range c.allRules {
		r.Refresh()
	}

	if !c.status.PreCheckComplete {
		precheckOK := true
		for _, r := range c.preCheckRules {
			if !r.Validate() {
				precheckOK = false
				break
			}
		}
		if precheckOK {
			c.status.PreCheckComplete = true
			log.Logger.Info().Msg("safemode: pre-check complete, read traffic allowed")
			c.brk.Publish(&events.Event{Type: events.EventSafeModePreCheck, Message: "pre-check complete"})
		}
	}

	if c.status.InSafeMode {
		allOK := true
		for _, r := range c.allRules {
			if !r.Validate() {
				allOK = false
				break
			}
		}
		if allOK {
			c.status.InSafeMode = false
			metrics.SafeModeActive.Set(0)
			log.Logger.Info().Msg("safemode: all rules satisfied, exiting safe mode")
			c.brk.Publish(&events.Event{Type: events.EventSafeModeExited, Message: "safe mode exited"})
		}
	}
}
