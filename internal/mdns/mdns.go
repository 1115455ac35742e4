// Package mdns advertises a running agent over DNS-SD/mDNS so mobile
// clients can discover it on the local network without being told an
// address up front.
package mdns

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/terminox/agent/internal/logger"
)

const serviceType = "_terminox._tcp"
const serviceDomain = "local."

// Capability is one of the advertised protocol/backend capabilities
// making up the TXT record's comma-joined "caps" field.
type Capability string

const (
	CapPTY       Capability = "pty"
	CapTmux      Capability = "tmux"
	CapScreen    Capability = "screen"
	CapReconnect Capability = "reconnect"
	CapPersist   Capability = "persist"
	CapMultiplex Capability = "multiplex"
)

// Advertisement describes the fields published in the service's TXT
// record.
type Advertisement struct {
	InstanceName string
	Port         int
	Version      string
	Capabilities []Capability
	Auth         string // "none", "token", or "certificate"
	TLS          bool
	MTLS         bool
	Platform     string
	SessionCount func() int
}

func (a Advertisement) txtRecords() []string {
	caps := make([]string, len(a.Capabilities))
	for i, c := range a.Capabilities {
		caps[i] = string(c)
	}
	sessions := 0
	if a.SessionCount != nil {
		sessions = a.SessionCount()
	}
	return []string{
		"version=" + a.Version,
		"caps=" + strings.Join(caps, ","),
		"auth=" + a.Auth,
		"tls=" + strconv.FormatBool(a.TLS),
		"mtls=" + strconv.FormatBool(a.MTLS),
		"platform=" + a.Platform,
		"sessions=" + strconv.Itoa(sessions),
		"protocol=websocket",
	}
}

// Advertiser owns the registered zeroconf server and periodically
// re-registers it so the TXT record's live session count stays fresh;
// a re-registration failure is logged and skipped rather than torn
// down.
type Advertiser struct {
	ad      Advertisement
	refresh time.Duration
	server  *zeroconf.Server
	cancel  context.CancelFunc
}

// DefaultRefreshInterval matches the agent's heartbeat cadence, so a
// client watching the network sees session-count churn at roughly the
// same resolution as an attached client's own heartbeats.
const DefaultRefreshInterval = 30 * time.Second

// Start registers the service and begins periodic re-registration,
// returning an Advertiser whose Stop unregisters it.
func Start(ad Advertisement, refresh time.Duration) (*Advertiser, error) {
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	srv, err := register(ad)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Advertiser{ad: ad, refresh: refresh, server: srv, cancel: cancel}
	go a.refreshLoop(ctx)
	return a, nil
}

func register(ad Advertisement) (*zeroconf.Server, error) {
	srv, err := zeroconf.Register(ad.InstanceName, serviceType, serviceDomain, ad.Port, ad.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns: register: %w", err)
	}
	return srv, nil
}

// refreshLoop re-registers the service on a timer so the TXT record's
// sessions field reflects current load; each failed attempt is logged
// and the previous registration is left standing rather than removed.
func (a *Advertiser) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(a.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv, err := register(a.ad)
			if err != nil {
				logger.Log.Warn("mdns re-registration failed, keeping previous advertisement", "error", err)
				continue
			}
			a.server.Shutdown()
			a.server = srv
		}
	}
}

// Stop unregisters the service and stops the refresh loop.
func (a *Advertiser) Stop() {
	a.cancel()
	if a.server != nil {
		a.server.Shutdown()
	}
}
