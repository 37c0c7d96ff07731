// Package hub bridges the window state machine to the wireless hub link:
// outbound state reports and alerts, inbound commands, and the supervisory
// timers (machine tick, periodic report).
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zigbee-window-go/internal/events"
	"zigbee-window-go/internal/power"
	"zigbee-window-go/internal/window"
)

// AlertType identifies an outward alert.
type AlertType uint8

const (
	AlertLowBattery AlertType = iota
	AlertStuck
	AlertModeChanged
	AlertProtection
)

func (a AlertType) String() string {
	switch a {
	case AlertLowBattery:
		return "low_battery"
	case AlertStuck:
		return "stuck"
	case AlertModeChanged:
		return "mode_changed"
	case AlertProtection:
		return "protection"
	default:
		return fmt.Sprintf("alert(%d)", uint8(a))
	}
}

// Reporter is the outbound side of the hub link.
type Reporter interface {
	ReportWindowState(modeTag uint8, percentage uint8) error
	SendAlert(alert AlertType, value uint8) error
}

// Command codes accepted from the hub.
const (
	CmdSetMode      = 0x01
	CmdSetPosition  = 0x02
	CmdCalibrate    = 0x03
	CmdFactoryReset = 0x04
)

// Command is one inbound hub command. For SetMode and SetPosition the
// payload carries (mode_or_position_tag, percentage).
type Command struct {
	Code    byte
	Payload []byte
}

// Timing defaults.
const (
	DefaultReportInterval = 10 * time.Second
	DefaultTickInterval   = time.Second
)

// Config holds coordinator tuning.
type Config struct {
	ReportInterval time.Duration
	TickInterval   time.Duration
}

// Coordinator runs the supervisory loop. Commands are queued on a channel
// and dispatched one at a time, so motion never interleaves; the queue
// replaces the callback delivery of the radio stack to keep state machine
// mutations out of callback context.
type Coordinator struct {
	machine  *window.Machine
	reporter Reporter
	bus      *events.Bus
	logger   *slog.Logger
	cfg      Config

	commands chan Command
	unsub    []func()
}

// New creates a coordinator.
func New(machine *window.Machine, reporter Reporter, bus *events.Bus, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultReportInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &Coordinator{
		machine:  machine,
		reporter: reporter,
		bus:      bus,
		logger:   logger.With("component", "hub"),
		cfg:      cfg,
		commands: make(chan Command, 16),
	}
}

// Start subscribes to the event bus. Events are translated to hub reports
// synchronously with the emit; transport failures are logged and never
// block or retry.
func (c *Coordinator) Start() {
	c.unsub = append(c.unsub,
		c.bus.On(events.EventModeChanged, c.handleStateEvent),
		c.bus.On(events.EventGapChanged, c.handleStateEvent),
		c.bus.On(events.EventStateRestored, c.handleStateEvent),
		c.bus.On(events.EventFactoryReset, c.handleStateEvent),
		c.bus.On(events.EventResistance, c.handleResistance),
		c.bus.On(events.EventBattery, c.handleBattery),
	)
}

// Stop unsubscribes from the event bus.
func (c *Coordinator) Stop() {
	for _, u := range c.unsub {
		u()
	}
	c.unsub = nil
}

// Submit queues an inbound command. A full queue drops the command with a
// warning rather than blocking the transport.
func (c *Coordinator) Submit(cmd Command) {
	select {
	case c.commands <- cmd:
	default:
		c.logger.Warn("command queue full, dropping", "code", cmd.Code)
	}
}

// Run drives the supervisory loop until the context is cancelled: queued
// command dispatch, the machine tick (settle timeout, autosave) and the
// periodic state report.
func (c *Coordinator) Run(ctx context.Context) {
	tick := time.NewTicker(c.cfg.TickInterval)
	defer tick.Stop()
	report := time.NewTicker(c.cfg.ReportInterval)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.commands:
			c.dispatch(cmd)
		case <-tick.C:
			c.machine.Tick()
		case <-report.C:
			c.reportState()
		}
	}
}

// dispatch translates one hub command into a state machine call. Unknown
// codes and short payloads are logged and dropped, never propagated.
func (c *Coordinator) dispatch(cmd Command) {
	switch cmd.Code {
	case CmdSetMode:
		if len(cmd.Payload) < 2 {
			c.logger.Warn("set_mode payload too short", "len", len(cmd.Payload))
			return
		}
		mode, err := window.ParseMode(cmd.Payload[0])
		if err != nil {
			c.logger.Warn("set_mode rejected", "err", err)
			return
		}
		if err := c.machine.SetMode(mode); err != nil {
			c.logger.Warn("set_mode failed", "mode", mode, "err", err)
		}

	case CmdSetPosition:
		if len(cmd.Payload) < 2 {
			c.logger.Warn("set_position payload too short", "len", len(cmd.Payload))
			return
		}
		if err := c.machine.SetGapPercentage(int(cmd.Payload[1])); err != nil {
			c.logger.Warn("set_position failed", "pct", cmd.Payload[1], "err", err)
		}

	case CmdCalibrate:
		if err := c.machine.Calibrate(); err != nil {
			c.logger.Warn("calibrate failed", "err", err)
		}

	case CmdFactoryReset:
		if err := c.machine.FactoryReset(); err != nil {
			c.logger.Warn("factory reset failed", "err", err)
		}

	default:
		c.logger.Warn("unknown command, dropping", "code", cmd.Code)
	}
}

func (c *Coordinator) reportState() {
	st := c.machine.State()
	if err := c.reporter.ReportWindowState(uint8(st.Mode), uint8(st.GapPercentage)); err != nil {
		c.logger.Warn("report state", "err", err)
	}
}

func (c *Coordinator) handleStateEvent(e events.Event) {
	data, ok := e.Data.(window.StateEvent)
	if !ok {
		return
	}
	if err := c.reporter.ReportWindowState(data.ModeTag, uint8(data.GapPercentage)); err != nil {
		c.logger.Warn("report state", "err", err)
	}
	if e.Type == events.EventModeChanged {
		if err := c.reporter.SendAlert(AlertModeChanged, data.ModeTag); err != nil {
			c.logger.Warn("send mode alert", "err", err)
		}
	}
}

func (c *Coordinator) handleResistance(e events.Event) {
	data, ok := e.Data.(window.ResistanceEvent)
	if !ok {
		return
	}
	value := uint8(data.Angle)
	if data.Angle > 255 {
		value = 255
	}
	// The alert is always attempted; a transport failure is logged, not
	// retried.
	if err := c.reporter.SendAlert(AlertStuck, value); err != nil {
		c.logger.Warn("send stuck alert", "err", err)
	}
}

func (c *Coordinator) handleBattery(e events.Event) {
	status, ok := e.Data.(power.Status)
	if !ok {
		return
	}
	switch status.State {
	case power.StateLow:
		if err := c.reporter.SendAlert(AlertLowBattery, status.Percentage); err != nil {
			c.logger.Warn("send low battery alert", "err", err)
		}
	case power.StateCritical:
		if err := c.reporter.SendAlert(AlertProtection, status.Percentage); err != nil {
			c.logger.Warn("send protection alert", "err", err)
		}
	}
}
