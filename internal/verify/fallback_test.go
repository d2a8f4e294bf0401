package verify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/domain"
)

func TestFallbackCheck(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   domain.FallbackStatus
	}{
		{"deliverable result", 200, `{"result":"deliverable"}`, domain.FallbackDeliverable},
		{"valid alias", 200, `{"result":"valid"}`, domain.FallbackDeliverable},
		{"status field fallback", 200, `{"status":"ok"}`, domain.FallbackDeliverable},
		{"undeliverable", 200, `{"result":"undeliverable"}`, domain.FallbackUndeliverable},
		{"invalid alias", 200, `{"status":"invalid"}`, domain.FallbackUndeliverable},
		{"risky maps to unknown", 200, `{"result":"risky"}`, domain.FallbackUnknown},
		{"vendor 500", 500, `oops`, domain.FallbackUnknown},
		{"vendor 429", 429, `slow down`, domain.FallbackUnknown},
		{"bad json", 200, `{not json`, domain.FallbackUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotEmail, gotAuth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotEmail = r.URL.Query().Get("email")
				gotAuth = r.Header.Get("Authorization")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			f := NewFallbackVerifier(config.VerifyConfig{
				ThirdPartyURL:    srv.URL,
				ThirdPartyAPIKey: "sekrit",
			}, srv.Client())

			got := f.Check(context.Background(), "jane.doe@example.com")
			if got != tt.want {
				t.Errorf("Check() = %q, want %q", got, tt.want)
			}
			if gotEmail != "jane.doe@example.com" {
				t.Errorf("email param = %q", gotEmail)
			}
			if gotAuth != "Bearer sekrit" {
				t.Errorf("authorization = %q", gotAuth)
			}
		})
	}
}

func TestFallbackCheck_Disabled(t *testing.T) {
	f := NewFallbackVerifier(config.VerifyConfig{}, nil)
	if f.Enabled() {
		t.Error("verifier with no URL reports enabled")
	}
	if got := f.Check(context.Background(), "a@b.com"); got != domain.FallbackUnknown {
		t.Errorf("Check() = %q, want unknown", got)
	}
}

func TestFallbackCheck_VendorDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	f := NewFallbackVerifier(config.VerifyConfig{ThirdPartyURL: srv.URL}, nil)
	if got := f.Check(context.Background(), "a@b.com"); got != domain.FallbackUnknown {
		t.Errorf("Check() = %q, want unknown on vendor outage", got)
	}
}
