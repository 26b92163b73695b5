// ABOUTME: mDNS discovery of Diretta hardware targets
// ABOUTME: Browses the local network and reports targets on a channel
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/mdns"
)

const targetService = "_diretta._udp"

// TargetInfo describes a discovered Diretta target.
type TargetInfo struct {
	Name string
	Host string
	Port int
}

// Addr returns the dialable address of the target.
func (t *TargetInfo) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Manager browses for Diretta targets until stopped.
type Manager struct {
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	targets chan *TargetInfo
}

// NewManager creates a discovery manager.
func NewManager(log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		targets: make(chan *TargetInfo, 10),
	}
}

// Browse starts scanning for targets in the background.
func (m *Manager) Browse() {
	go m.browseLoop()
}

// browseLoop repeats short mDNS queries until the manager is stopped.
func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)

		go func() {
			for entry := range entries {
				if entry.AddrV4 == nil {
					continue
				}
				target := &TargetInfo{
					Name: entry.Name,
					Host: entry.AddrV4.String(),
					Port: entry.Port,
				}

				m.log.Info("discovered diretta target",
					"name", target.Name, "addr", target.Addr())

				select {
				case m.targets <- target:
				case <-m.ctx.Done():
					return
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: targetService,
			Domain:  "local",
			Timeout: 3 * time.Second,
			Entries: entries,
		}

		if err := mdns.Query(params); err != nil {
			m.log.Debug("mdns query failed", "error", err)
		}
		close(entries)
	}
}

// Targets returns the channel of discovered targets.
func (m *Manager) Targets() <-chan *TargetInfo {
	return m.targets
}

// Stop ends browsing.
func (m *Manager) Stop() {
	m.cancel()
}
