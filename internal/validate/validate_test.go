package validate

import (
	"net"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func fakeLookup(ips ...string) LookupIPFunc {
	return func(host string) ([]net.IP, error) {
		out := make([]net.IP, len(ips))
		for i, s := range ips {
			out[i] = net.ParseIP(s)
		}
		return out, nil
	}
}

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		name   string
		url    string
		lookup LookupIPFunc
		wantOK bool
	}{
		{"public https", "https://agent.example.com", fakeLookup("93.184.216.34"), true},
		{"http rejected", "http://agent.example.com", fakeLookup("93.184.216.34"), false},
		{"loopback literal", "https://127.0.0.1/api", nil, false},
		{"private literal", "https://10.1.2.3", nil, false},
		{"172 range literal", "https://172.16.0.9", nil, false},
		{"192.168 literal", "https://192.168.1.1", nil, false},
		{"link-local literal", "https://169.254.169.254", nil, false},
		{"ipv6 loopback", "https://[::1]", nil, false},
		{"ipv6 unique-local", "https://[fc00::1]", nil, false},
		{"name resolving private", "https://internal.example.com", fakeLookup("192.168.0.5"), false},
		{"name resolving mixed", "https://evil.example.com", fakeLookup("93.184.216.34", "10.0.0.1"), false},
		{"empty", "", nil, false},
		{"no hostname", "https:///path", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := EndpointURL(tc.url, tc.lookup)
			if tc.wantOK && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.wantOK && err == nil {
				t.Error("expected rejection")
			}
		})
	}
}

func TestTag(t *testing.T) {
	if err := Tag("data-extraction-v2"); err != nil {
		t.Errorf("expected valid tag: %v", err)
	}
	for _, bad := range []string{"", "has space", "under_score", "émoji", strings.Repeat("a", 65)} {
		if err := Tag(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestTags_Count(t *testing.T) {
	tags := make([]string, 21)
	for i := range tags {
		tags[i] = "tag"
	}
	if err := Tags(tags); err == nil {
		t.Error("expected 21 tags to be rejected")
	}
	if err := Tags(tags[:20]); err != nil {
		t.Errorf("expected 20 tags to be accepted: %v", err)
	}
}

func TestAmount(t *testing.T) {
	cases := []struct {
		in     string
		wantOK bool
	}{
		{"10.00", true},
		{"0.01", true},
		{"1000000", true},
		{"1000000.01", false},
		{"0", false},
		{"-5", false},
		{"1.005", false},
	}
	for _, tc := range cases {
		d := decimal.RequireFromString(tc.in)
		err := Amount(d)
		if tc.wantOK && err != nil {
			t.Errorf("Amount(%s): unexpected error %v", tc.in, err)
		}
		if !tc.wantOK && err == nil {
			t.Errorf("Amount(%s): expected rejection", tc.in)
		}
	}
}
