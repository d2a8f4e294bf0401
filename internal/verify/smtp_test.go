package verify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/domain"
)

// ===== Fake SMTP server =====

// startFakeSMTP runs a minimal SMTP responder on a random loopback port.
// rcptReply is the full reply line sent for RCPT TO.
func startFakeSMTP(t *testing.T, rcptReply string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSMTP(conn, rcptReply)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func serveSMTP(conn net.Conn, rcptReply string) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	fmt.Fprintf(conn, "220 fake.example.com ESMTP\r\n")
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(verb, "EHLO"):
			fmt.Fprintf(conn, "250-fake.example.com\r\n250 SIZE 35882577\r\n")
		case strings.HasPrefix(verb, "HELO"):
			fmt.Fprintf(conn, "250 fake.example.com\r\n")
		case strings.HasPrefix(verb, "MAIL"):
			fmt.Fprintf(conn, "250 OK\r\n")
		case strings.HasPrefix(verb, "RCPT"):
			fmt.Fprintf(conn, "%s\r\n", rcptReply)
		case strings.HasPrefix(verb, "RSET"):
			fmt.Fprintf(conn, "250 OK\r\n")
		case strings.HasPrefix(verb, "QUIT"):
			fmt.Fprintf(conn, "221 Bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "502 not implemented\r\n")
		}
	}
}

// ===== Recording sink =====

type recordSink struct {
	mu    sync.Mutex
	calls []domain.RcptCategory
}

func (s *recordSink) Observe(_ context.Context, _ string, cat domain.RcptCategory, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, cat)
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func probeConfig(port int) config.SMTPConfig {
	return config.SMTPConfig{
		HeloDomain:        "verify.example.net",
		MailFrom:          "probe@verify.example.net",
		ConnectTimeoutSec: 2,
		CommandTimeoutSec: 2,
		Port:              port,
	}
}

// ===== Probe tests =====

func TestProbe_ReplyMapping(t *testing.T) {
	tests := []struct {
		name       string
		rcptReply  string
		wantCat    domain.RcptCategory
		wantCode   int
		wantReason string
	}{
		{
			name:      "accept",
			rcptReply: "250 2.1.5 OK",
			wantCat:   domain.RcptAccept,
			wantCode:  250,
		},
		{
			name:       "hard fail",
			rcptReply:  "550 5.1.1 User unknown",
			wantCat:    domain.RcptHardFail,
			wantCode:   550,
			wantReason: "5.1.1 User unknown",
		},
		{
			name:       "temp fail",
			rcptReply:  "451 4.7.1 Greylisted, try later",
			wantCat:    domain.RcptTempFail,
			wantCode:   451,
			wantReason: "4.7.1 Greylisted, try later",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := startFakeSMTP(t, tt.rcptReply)
			sink := &recordSink{}
			p := NewProber(probeConfig(port), sink)

			res, err := p.Probe(context.Background(), "127.0.0.1", "jane.doe@example.com", nil)
			if err != nil {
				t.Fatalf("probe: %v", err)
			}
			if res.Category != tt.wantCat {
				t.Errorf("category = %q, want %q", res.Category, tt.wantCat)
			}
			if res.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", res.Code, tt.wantCode)
			}
			if tt.wantReason != "" && res.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", res.Reason, tt.wantReason)
			}
			if sink.count() != 1 {
				t.Errorf("sink observed %d times, want exactly 1", sink.count())
			}
		})
	}
}

func TestProbe_ConnectionRefused(t *testing.T) {
	// Grab a port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	sink := &recordSink{}
	p := NewProber(probeConfig(port), sink)

	_, err = p.Probe(context.Background(), "127.0.0.1", "jane.doe@example.com", nil)
	if err == nil {
		t.Fatal("want error for refused connection")
	}
	var perr *domain.PipelineError
	if !errors.As(err, &perr) || perr.Kind != domain.KindTransientNetwork {
		t.Errorf("error kind = %v, want transient_network", err)
	}
	if sink.count() != 1 {
		t.Errorf("sink observed %d times, want exactly 1 even on failure", sink.count())
	}
}

func TestProbe_TempFailGreeting(t *testing.T) {
	// Dedicated listener replying 421 as its greeting.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			fmt.Fprintf(conn, "421 4.3.2 Service shutting down\r\n")
			conn.Close()
		}
	}()

	sink := &recordSink{}
	p := NewProber(probeConfig(ln.Addr().(*net.TCPAddr).Port), sink)

	res, err := p.Probe(context.Background(), "127.0.0.1", "jane.doe@example.com", nil)
	if err == nil {
		t.Fatal("want temp-fail error for 421 greeting")
	}
	var perr *domain.PipelineError
	if !errors.As(err, &perr) || perr.Kind != domain.KindSMTPTempFail {
		t.Errorf("error kind = %v, want smtp_temp_fail", err)
	}
	if res == nil || res.Category != domain.RcptTempFail {
		t.Errorf("result category = %v, want temp_fail", res)
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		code int
		want domain.RcptCategory
	}{
		{250, domain.RcptAccept},
		{251, domain.RcptAccept},
		{550, domain.RcptHardFail},
		{553, domain.RcptHardFail},
		{421, domain.RcptTempFail},
		{451, domain.RcptTempFail},
		{452, domain.RcptTempFail},
		{0, domain.RcptUnknown},
		{354, domain.RcptUnknown},
	}
	for _, tt := range tests {
		if got := categorize(tt.code); got != tt.want {
			t.Errorf("categorize(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

// ===== Preflight tests =====

func TestHostAllowed(t *testing.T) {
	origHostname := osHostname
	defer func() { osHostname = origHostname }()
	osHostname = func() (string, error) { return "probe-host-1", nil }

	tests := []struct {
		name    string
		cfg     config.SMTPConfig
		wantErr bool
	}{
		{
			name:    "probes disabled",
			cfg:     config.SMTPConfig{ProbesEnabled: false},
			wantErr: true,
		},
		{
			name:    "enabled with empty allowlist",
			cfg:     config.SMTPConfig{ProbesEnabled: true},
			wantErr: false,
		},
		{
			name: "hostname on allowlist",
			cfg: config.SMTPConfig{
				ProbesEnabled: true,
				AllowedHosts:  []string{"other", "Probe-Host-1"},
			},
			wantErr: false,
		},
		{
			name: "hostname not on allowlist",
			cfg: config.SMTPConfig{
				ProbesEnabled: true,
				AllowedHosts:  []string{"other-host"},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewPreflight(tt.cfg).HostAllowed()
			if (err != nil) != tt.wantErr {
				t.Errorf("HostAllowed() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var perr *domain.PipelineError
				if !errors.As(err, &perr) || perr.Kind != domain.KindTCP25Blocked {
					t.Errorf("error kind = %v, want tcp25_blocked", err)
				}
			}
		})
	}
}
