package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[{"urls":"stun:stun.example.com:3478"},{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"c"}]`
	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected first url %q", servers[0].URLs[0])
	}
	if servers[1].Username != "u" {
		t.Fatalf("unexpected username %q", servers[1].Username)
	}
}

func TestParseICEServersJSONRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{name: "not json", raw: "{", want: "unexpected end"},
		{name: "empty urls", raw: `[{"urls":[]}]`, want: "missing urls"},
		{name: "bad scheme", raw: `[{"urls":"https://example.com"}]`, want: "unsupported url scheme"},
		{name: "turn without creds", raw: `[{"urls":"turn:turn.example.com"}]`, want: "username"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseICEServersJSON(tc.raw)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestConvenienceEnvSTUNAndTURN(t *testing.T) {
	servers, err := parseICEServersFromConvenienceEnv(
		"stun:a.example.com, stun:b.example.com",
		"turn:t.example.com",
		"user", "pass",
	)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Fatalf("got %d stun urls, want 2", len(servers[0].URLs))
	}
	if servers[1].Credential != "pass" {
		t.Fatalf("unexpected credential %v", servers[1].Credential)
	}
}

func TestConvenienceEnvTURNRequiresCredentials(t *testing.T) {
	if _, err := parseICEServersFromConvenienceEnv("", "turn:t.example.com", "", ""); err == nil {
		t.Fatalf("expected error for turn urls without credentials")
	}
}
