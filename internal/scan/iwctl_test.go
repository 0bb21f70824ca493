package scan

import "testing"

func TestParseIWCTLLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		line   string
		want   WiFiNetwork
		wantOK bool
	}{
		{
			name: "star-rated network",
			line: "      homenet             psk       ****",
			want: WiFiNetwork{
				SSID:      "homenet",
				SignalDBm: -50,
				Security:  SecurityWPA2,
			},
			wantOK: true,
		},
		{
			name: "connected marker",
			line: "  >   coffeeshop          open      **",
			want: WiFiNetwork{
				SSID:      "coffeeshop",
				SignalDBm: -70,
				Security:  SecurityOpen,
				Connected: true,
			},
			wantOK: true,
		},
		{
			name: "dbm signal",
			line: "      lab network         8021x     -62 dBm",
			want: WiFiNetwork{
				SSID:      "lab network",
				SignalDBm: -62,
				Security:  SecurityEnterprise,
			},
			wantOK: true,
		},
		{
			name: "ssid with spaces and stars",
			line: "      back office ap      sae       ***",
			want: WiFiNetwork{
				SSID:      "back office ap",
				SignalDBm: -60,
				Security:  SecurityWPA3,
			},
			wantOK: true,
		},
		{name: "empty", line: "", wantOK: false},
		{name: "header", line: "  Network name            Security  Signal", wantOK: false},
		{name: "rule", line: "--------------------------------------", wantOK: false},
		{name: "available banner", line: "Available networks", wantOK: false},
		{name: "too few fields", line: "      lonely", wantOK: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := parseIWCTLLine(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("parseIWCTLLine(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("parseIWCTLLine(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestParseNetworksStripsANSI(t *testing.T) {
	t.Parallel()

	out := "\x1b[1;30m  Network name  Security  Signal\x1b[0m\n" +
		"  \x1b[0;92m>\x1b[0m   homenet   psk   ****\n" +
		"      cafe      open  *\n"

	s := NewIWCTLScanner("/usr/bin/iwctl", "wlan0", discardLogger())
	networks := s.parseNetworks(out)

	if len(networks) != 2 {
		t.Fatalf("parseNetworks kept %d rows, want 2: %+v", len(networks), networks)
	}
	if !networks[0].Connected || networks[0].SSID != "homenet" {
		t.Errorf("first row = %+v, want connected homenet", networks[0])
	}
	if networks[1].SignalDBm != -85 {
		t.Errorf("one-star signal = %d, want -85", networks[1].SignalDBm)
	}
}
