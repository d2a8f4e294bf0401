// Package verify implements the email verification engine: TCP:25
// preflight, SMTP RCPT probing, catch-all detection, the optional
// third-party fallback, and the deterministic classifier that folds
// their signals into a verdict.
package verify

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
)

// Swappable in tests.
var osHostname = os.Hostname

// Preflight gates SMTP probing on environment capability: outbound
// TCP:25 is widely blocked on cloud hosts, and a probe from a blocked
// host would misread every mailbox as a timeout.
type Preflight struct {
	cfg  config.SMTPConfig
	log  *logger.Logger
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewPreflight builds a preflight checker from SMTP config.
func NewPreflight(cfg config.SMTPConfig) *Preflight {
	d := &net.Dialer{}
	return NewPreflightWithDialer(cfg, d.DialContext)
}

// NewPreflightWithDialer builds a preflight checker with an explicit
// dial function. Tests inject one to simulate blocked ports.
func NewPreflightWithDialer(cfg config.SMTPConfig, dial func(ctx context.Context, network, addr string) (net.Conn, error)) *Preflight {
	return &Preflight{cfg: cfg, log: logger.With("preflight"), dial: dial}
}

// HostAllowed applies the operator gate: probes must be enabled, and if
// an allowlist is configured this worker's hostname must be on it.
func (p *Preflight) HostAllowed() error {
	if !p.cfg.ProbesEnabled {
		return domain.NewError(domain.KindTCP25Blocked, "smtp probes disabled by config", nil)
	}
	if len(p.cfg.AllowedHosts) == 0 {
		return nil
	}
	hostname, err := osHostname()
	if err != nil {
		return domain.NewError(domain.KindTCP25Blocked, "cannot determine hostname", err)
	}
	for _, h := range p.cfg.AllowedHosts {
		if strings.EqualFold(strings.TrimSpace(h), hostname) {
			return nil
		}
	}
	return domain.NewError(domain.KindTCP25Blocked,
		fmt.Sprintf("host %s not in smtp_probes_allowed_hosts", hostname), nil)
}

// Check verifies that the MX host accepts a TCP connection on port 25
// within the preflight timeout. IPv4 addresses are tried first; at most
// two addresses are attempted.
func (p *Preflight) Check(ctx context.Context, mxHost string) error {
	if err := p.HostAllowed(); err != nil {
		return err
	}

	timeout := time.Duration(p.cfg.PreflightTimeoutSec) * time.Second
	addrs := p.orderedAddrs(ctx, mxHost)
	if len(addrs) == 0 {
		return domain.NewError(domain.KindTransientNetwork, "no addresses for "+mxHost, nil)
	}

	var lastErr error
	for _, addr := range addrs {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := p.dial(dialCtx, "tcp", net.JoinHostPort(addr, fmt.Sprint(p.cfg.Port)))
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
	}
	p.log.Debug("preflight failed", "mx", mxHost, "error", lastErr)
	return domain.NewError(domain.KindTCP25Blocked,
		fmt.Sprintf("tcp:%d unreachable for %s", p.cfg.Port, mxHost), lastErr)
}

// orderedAddrs resolves the MX host and returns up to two addresses,
// IPv4 preferred.
func (p *Preflight) orderedAddrs(ctx context.Context, mxHost string) []string {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, mxHost)
	if err != nil {
		return nil
	}
	var v4, v6 []string
	for _, ip := range ips {
		if ip.IP.To4() != nil {
			v4 = append(v4, ip.IP.String())
		} else {
			v6 = append(v6, ip.IP.String())
		}
	}
	ordered := append(v4, v6...)
	if len(ordered) > 2 {
		ordered = ordered[:2]
	}
	return ordered
}
