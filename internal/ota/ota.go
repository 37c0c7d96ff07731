// Package ota checks for, downloads, and stages firmware updates. It only
// exposes state and progress; apply semantics (bank swap, reboot) live in
// the platform hook passed by the caller.
package ota

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"zigbee-window-go/internal/events"
)

// State of the update collaborator.
type State uint8

const (
	StateIdle State = iota
	StateChecking
	StateDownloading
	StateReadyToApply
	StateApplying
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateDownloading:
		return "downloading"
	case StateReadyToApply:
		return "ready_to_apply"
	case StateApplying:
		return "applying"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Manifest is the update descriptor served by the firmware server.
type Manifest struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	Size    int64  `json:"size"`
}

// Status is an OTA snapshot, also the payload of ota events.
type Status struct {
	State     State  `json:"-"`
	StateName string `json:"state"`
	Version   string `json:"version,omitempty"`
	Progress  int    `json:"progress"`
	Error     string `json:"error,omitempty"`
}

// Config holds updater configuration.
type Config struct {
	ManifestURL    string
	CurrentVersion string
	ImagePath      string
	CheckInterval  time.Duration
}

// ApplyFunc installs a staged image. A nil ApplyFunc leaves the updater in
// ReadyToApply until an external process picks the image up.
type ApplyFunc func(path string) error

// Updater is the firmware update collaborator.
type Updater struct {
	cfg    Config
	apply  ApplyFunc
	bus    *events.Bus
	logger *slog.Logger
	client *http.Client

	mu     sync.Mutex
	status Status
}

// New creates an updater.
func New(cfg Config, apply ApplyFunc, bus *events.Bus, logger *slog.Logger) *Updater {
	return &Updater{
		cfg:    cfg,
		apply:  apply,
		bus:    bus,
		logger: logger.With("component", "ota"),
		client: &http.Client{Timeout: 5 * time.Minute},
		status: Status{State: StateIdle, StateName: StateIdle.String()},
	}
}

// Status returns the current snapshot.
func (u *Updater) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// Run periodically checks for updates and stages any new image, until the
// context is cancelled. Applying stays a manual step. Disabled when no
// check interval is configured.
func (u *Updater) Run(ctx context.Context) {
	if u.cfg.CheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(u.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m, err := u.Check(ctx)
			if err != nil {
				u.logger.Warn("update check", "err", err)
				continue
			}
			if m == nil {
				continue
			}
			if err := u.Download(ctx, m); err != nil {
				u.logger.Warn("stage update", "version", m.Version, "err", err)
			}
		}
	}
}

// Check fetches the manifest and reports whether a newer version is
// available. It does not download.
func (u *Updater) Check(ctx context.Context) (*Manifest, error) {
	u.setState(Status{State: StateChecking})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.ManifestURL, nil)
	if err != nil {
		return nil, u.fail(fmt.Errorf("manifest request: %w", err))
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, u.fail(fmt.Errorf("fetch manifest: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, u.fail(fmt.Errorf("fetch manifest: status %d", resp.StatusCode))
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, u.fail(fmt.Errorf("decode manifest: %w", err))
	}

	if m.Version == u.cfg.CurrentVersion {
		u.setState(Status{State: StateIdle, Version: u.cfg.CurrentVersion})
		return nil, nil
	}
	u.logger.Info("update available", "current", u.cfg.CurrentVersion, "available", m.Version)
	u.setState(Status{State: StateIdle, Version: m.Version})
	return &m, nil
}

// Download fetches the image described by the manifest into ImagePath,
// reporting progress, and leaves the updater ReadyToApply.
func (u *Updater) Download(ctx context.Context, m *Manifest) error {
	u.setState(Status{State: StateDownloading, Version: m.Version})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return u.fail(fmt.Errorf("image request: %w", err))
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return u.fail(fmt.Errorf("fetch image: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return u.fail(fmt.Errorf("fetch image: status %d", resp.StatusCode))
	}

	f, err := os.Create(u.cfg.ImagePath)
	if err != nil {
		return u.fail(fmt.Errorf("create image file: %w", err))
	}
	defer f.Close()

	total := m.Size
	if total <= 0 {
		total = resp.ContentLength
	}

	var written int64
	buf := make([]byte, 32*1024)
	lastPct := -1
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return u.fail(fmt.Errorf("write image: %w", werr))
			}
			written += int64(n)
			if total > 0 {
				pct := int(written * 100 / total)
				if pct != lastPct {
					lastPct = pct
					u.setState(Status{State: StateDownloading, Version: m.Version, Progress: pct})
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return u.fail(fmt.Errorf("read image: %w", rerr))
		}
	}

	u.logger.Info("image downloaded", "version", m.Version, "bytes", written)
	u.setState(Status{State: StateReadyToApply, Version: m.Version, Progress: 100})
	return nil
}

// Apply installs the staged image via the platform hook.
func (u *Updater) Apply() error {
	u.mu.Lock()
	if u.status.State != StateReadyToApply {
		st := u.status.State
		u.mu.Unlock()
		return fmt.Errorf("ota: not ready to apply (state %s)", st)
	}
	version := u.status.Version
	u.mu.Unlock()

	if u.apply == nil {
		return nil
	}
	u.setState(Status{State: StateApplying, Version: version, Progress: 100})
	if err := u.apply(u.cfg.ImagePath); err != nil {
		return u.fail(fmt.Errorf("apply image: %w", err))
	}
	u.setState(Status{State: StateIdle, Version: version})
	return nil
}

func (u *Updater) fail(err error) error {
	u.setState(Status{State: StateError, Error: err.Error()})
	return err
}

func (u *Updater) setState(s Status) {
	s.StateName = s.State.String()
	u.mu.Lock()
	u.status = s
	u.mu.Unlock()
	u.bus.Emit(events.Event{Type: events.EventOTA, Data: s})
}
