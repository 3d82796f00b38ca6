package twilio

import (
	"context"
	"errors"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/callbridge/pkg/transports"
)

type stubCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

func TestDialerBuildsCallParams(t *testing.T) {
	cases := []struct {
		name       string
		cfg        Config
		url        string
		opts       transports.DialOptions
		wantURL    string
		wantStatus string
		wantDigits string
	}{
		{
			name:       "webhook from public url",
			cfg:        Config{PublicURL: "https://bridge.example.com/", VoicePath: "/incoming"},
			wantURL:    "https://bridge.example.com/incoming",
			wantStatus: "https://bridge.example.com/status",
		},
		{
			name:       "explicit url wins",
			cfg:        Config{PublicURL: "bridge.example.com", StatusCallbackPath: "/call-status"},
			url:        "https://staging.example.com/voice",
			wantURL:    "https://staging.example.com/voice",
			wantStatus: "https://bridge.example.com/call-status",
		},
		{
			name:       "send digits for ivr test lines",
			cfg:        Config{PublicURL: "https://bridge.example.com"},
			opts:       transports.DialOptions{SendDigits: "ww1#"},
			wantURL:    "https://bridge.example.com/voice",
			wantStatus: "https://bridge.example.com/status",
			wantDigits: "ww1#",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubCreator{sid: "CA100"}
			d := NewDialer(tc.cfg)
			d.client = stub
			sid, err := d.DialWithOptions(context.Background(), "+15550002222", "+15550003333", tc.url, tc.opts)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			if sid != "CA100" {
				t.Fatalf("sid = %q", sid)
			}
			p := stub.last
			if p == nil || p.To == nil || *p.To != "+15550002222" || p.From == nil || *p.From != "+15550003333" {
				t.Fatalf("unexpected numbers: %+v", p)
			}
			if p.Url == nil || *p.Url != tc.wantURL {
				t.Fatalf("url = %v, want %s", p.Url, tc.wantURL)
			}
			if p.StatusCallback == nil || *p.StatusCallback != tc.wantStatus {
				t.Fatalf("status callback = %v, want %s", p.StatusCallback, tc.wantStatus)
			}
			if tc.wantDigits == "" && p.SendDigits != nil {
				t.Fatalf("unexpected send digits %q", *p.SendDigits)
			}
			if tc.wantDigits != "" && (p.SendDigits == nil || *p.SendDigits != tc.wantDigits) {
				t.Fatalf("send digits = %v, want %s", p.SendDigits, tc.wantDigits)
			}
		})
	}
}

func TestDialerFailures(t *testing.T) {
	d := NewDialer(Config{})
	d.client = &stubCreator{sid: "CA1"}
	if _, err := d.Dial(context.Background(), "", "+1555", ""); err == nil {
		t.Fatalf("expected error without destination")
	}

	d.client = &stubCreator{err: errors.New("unreachable")}
	if _, err := d.Dial(context.Background(), "+1555", "+1666", "https://x/voice"); err == nil {
		t.Fatalf("expected provider error")
	}

	d.client = nil
	if _, err := d.Dial(context.Background(), "+1555", "+1666", ""); err == nil {
		t.Fatalf("expected error without credentials")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.client = &stubCreator{sid: "CA1"}
	if _, err := d.Dial(ctx, "+1555", "+1666", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
