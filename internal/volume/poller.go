// Package volume detects the bootloader's mass-storage volume.
package volume

import (
	"context"
	"log/slog"
	"time"
)

// BootloaderVolumeName is the label the QT Py UF2 bootloader gives its drive.
const BootloaderVolumeName = "QTPY_BOOT"

const (
	// DefaultInterval is the pause between two volume listings.
	DefaultInterval = 500 * time.Millisecond
	// DefaultTimeout bounds the wait for the volume to appear.
	DefaultTimeout = 5 * time.Second

	minInterval = 200 * time.Millisecond
	maxInterval = 500 * time.Millisecond
)

// Lister returns the names of the currently mounted removable volumes.
type Lister interface {
	ListRemovableVolumes() ([]string, error)
}

// Poller waits for a named volume to be mounted.
type Poller struct {
	lister   Lister
	name     string
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller creates a poller for the volume called name. An empty name selects
// BootloaderVolumeName; the interval is clamped to 200–500 ms.
func NewPoller(lister Lister, name string, interval time.Duration, logger *slog.Logger) *Poller {
	if name == "" {
		name = BootloaderVolumeName
	}
	switch {
	case interval == 0:
		interval = DefaultInterval
	case interval < minInterval:
		interval = minInterval
	case interval > maxInterval:
		interval = maxInterval
	}
	return &Poller{
		lister:   lister,
		name:     name,
		interval: interval,
		logger:   logger.With("component", "volume"),
	}
}

// Name returns the volume name being watched.
func (p *Poller) Name() string { return p.name }

// Interval returns the poll interval.
func (p *Poller) Interval() time.Duration { return p.interval }

// Mounted performs a single, immediate check.
func (p *Poller) Mounted() bool {
	volumes, err := p.lister.ListRemovableVolumes()
	if err != nil {
		p.logger.Warn("list volumes", "err", err)
		return false
	}
	p.logger.Debug("mounted volumes", "volumes", volumes)
	for _, v := range volumes {
		if v == p.name {
			return true
		}
	}
	return false
}

// Wait checks immediately and then every interval until the volume appears,
// the timeout elapses, or ctx is done. It returns within timeout plus one
// interval however slow a listing is: a listing still running then is
// abandoned and counts as not mounted.
func (p *Poller) Wait(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	hardStop := time.NewTimer(timeout + p.interval)
	defer hardStop.Stop()

	mounted, ok := p.check(ctx, hardStop.C)
	if mounted {
		p.logger.Debug("volume already mounted", "volume", p.name)
		return true
	}

	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	for ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		timer.Reset(min(p.interval, remaining))

		select {
		case <-timer.C:
		case <-ctx.Done():
			return false
		}

		if mounted, ok = p.check(ctx, hardStop.C); mounted {
			p.logger.Info("volume mounted", "volume", p.name)
			return true
		}
	}
	p.logger.Warn("volume did not appear", "volume", p.name, "timeout", timeout)
	return false
}

// check runs one listing without letting it outlive stop or ctx. ok is false
// when the listing was abandoned.
func (p *Poller) check(ctx context.Context, stop <-chan time.Time) (mounted, ok bool) {
	result := make(chan bool, 1)
	go func() { result <- p.Mounted() }()

	select {
	case mounted = <-result:
		return mounted, true
	case <-stop:
		p.logger.Warn("volume listing still running at deadline", "volume", p.name)
		return false, false
	case <-ctx.Done():
		return false, false
	}
}
