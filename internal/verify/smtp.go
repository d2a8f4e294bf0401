package verify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
	"github.com/crestwell/leadpipe/internal/resolve"
)

// BehaviorSink receives exactly one observation per completed probe so
// MX behavior profiles stay honest about attempt counts.
type BehaviorSink interface {
	Observe(ctx context.Context, mxHost string, category domain.RcptCategory, elapsed time.Duration)
}

// ProbeResult is the raw outcome of one RCPT probe.
type ProbeResult struct {
	MXHost   string
	Category domain.RcptCategory
	Code     int
	Reason   string
	Elapsed  time.Duration
}

// Prober runs the SMTP conversation up to RCPT TO and resets without
// sending data. Port is configurable so tests can point it at a local
// fake server.
type Prober struct {
	cfg  config.SMTPConfig
	sink BehaviorSink
	log  *logger.Logger
}

// NewProber builds a Prober. sink may be nil.
func NewProber(cfg config.SMTPConfig, sink BehaviorSink) *Prober {
	return &Prober{cfg: cfg, sink: sink, log: logger.With("smtp-probe")}
}

// Probe asks mxHost whether rcpt is deliverable. The verdict is a raw
// RCPT category; classification happens upstream with the catch-all and
// fallback signals alongside.
func (p *Prober) Probe(ctx context.Context, mxHost, rcpt string, hint *resolve.Profile) (*ProbeResult, error) {
	start := time.Now()
	res, err := p.probe(ctx, mxHost, rcpt, hint)
	elapsed := time.Since(start)

	if res == nil {
		res = &ProbeResult{MXHost: mxHost, Category: domain.RcptUnknown}
	}
	res.Elapsed = elapsed
	if p.sink != nil {
		p.sink.Observe(ctx, mxHost, res.Category, elapsed)
	}
	if err != nil {
		return res, err
	}

	p.log.Debug("probe complete", "mx", mxHost, "rcpt", logger.RedactEmail(rcpt),
		"category", res.Category, "code", res.Code, "elapsed_ms", elapsed.Milliseconds())
	return res, nil
}

func (p *Prober) probe(ctx context.Context, mxHost, rcpt string, hint *resolve.Profile) (*ProbeResult, error) {
	connectTimeout := time.Duration(p.cfg.ConnectTimeoutSec) * time.Second
	commandTimeout := time.Duration(p.cfg.CommandTimeoutSec) * time.Second
	if hint != nil && hint.Tarpit {
		// Tarpits answer eventually; give commands extra headroom instead
		// of burning attempts on timeouts.
		commandTimeout *= 2
	}

	addr := net.JoinHostPort(mxHost, fmt.Sprint(p.cfg.Port))
	dialer := &net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, p.classifyConnErr(mxHost, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(commandTimeout * 4))
	}

	client, err := smtp.NewClient(conn, mxHost)
	if err != nil {
		return p.resultFromErr(mxHost, err)
	}
	defer client.Close()

	conn.SetDeadline(time.Now().Add(commandTimeout))
	if err := client.Hello(p.cfg.HeloDomain); err != nil {
		return p.resultFromErr(mxHost, err)
	}

	// Opportunistic TLS: try it, but a handshake failure is not a verdict
	// on the mailbox.
	if ok, _ := client.Extension("STARTTLS"); ok {
		conn.SetDeadline(time.Now().Add(commandTimeout))
		if err := client.StartTLS(&tls.Config{ServerName: mxHost}); err != nil {
			p.log.Debug("starttls failed, continuing plaintext", "mx", mxHost, "error", err)
			return nil, domain.NewError(domain.KindSMTPTempFail, "starttls failed on "+mxHost, err)
		}
	}

	conn.SetDeadline(time.Now().Add(commandTimeout))
	if err := client.Mail(p.cfg.MailFrom); err != nil {
		return p.resultFromErr(mxHost, err)
	}

	conn.SetDeadline(time.Now().Add(commandTimeout))
	rcptErr := client.Rcpt(rcpt)

	conn.SetDeadline(time.Now().Add(commandTimeout))
	client.Quit()

	if rcptErr == nil {
		return &ProbeResult{MXHost: mxHost, Category: domain.RcptAccept, Code: 250, Reason: "accepted"}, nil
	}

	code, reason := extractSMTPError(rcptErr)
	return &ProbeResult{
		MXHost:   mxHost,
		Category: categorize(code),
		Code:     code,
		Reason:   reason,
	}, nil
}

// resultFromErr maps a pre-RCPT protocol failure. A 4xx greeting or
// HELO rejection is a temp fail; a 5xx is a hard server refusal.
func (p *Prober) resultFromErr(mxHost string, err error) (*ProbeResult, error) {
	code, reason := extractSMTPError(err)
	if code == 0 {
		return nil, p.classifyConnErr(mxHost, err)
	}
	cat := categorize(code)
	res := &ProbeResult{MXHost: mxHost, Category: cat, Code: code, Reason: reason}
	if cat == domain.RcptTempFail {
		return res, domain.NewError(domain.KindSMTPTempFail,
			fmt.Sprintf("%s replied %d before rcpt", mxHost, code), err)
	}
	return res, nil
}

func (p *Prober) classifyConnErr(mxHost string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewError(domain.KindSMTPTempFail, "timeout talking to "+mxHost, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindSMTPTempFail, "probe cancelled for "+mxHost, err)
	}
	return domain.NewError(domain.KindTransientNetwork, "connect "+mxHost, err)
}

// extractSMTPError pulls the reply code and text from a textproto error.
func extractSMTPError(err error) (int, string) {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code, strings.TrimSpace(tpErr.Msg)
	}
	return 0, err.Error()
}

// categorize maps an SMTP reply code to a RCPT category.
func categorize(code int) domain.RcptCategory {
	switch {
	case code >= 200 && code < 300:
		return domain.RcptAccept
	case code >= 500 && code < 600:
		return domain.RcptHardFail
	case code >= 400 && code < 500:
		return domain.RcptTempFail
	default:
		return domain.RcptUnknown
	}
}
