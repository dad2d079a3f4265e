package domain

import "testing"

func TestSessionKeyOrDefault(t *testing.T) {
	if got := SessionKey("").OrDefault(); got != DefaultSessionKey {
		t.Fatalf("OrDefault()=%q, want %q", got, DefaultSessionKey)
	}
	if got := SessionKey("room2").OrDefault(); got != "room2" {
		t.Fatalf("OrDefault()=%q, want %q", got, "room2")
	}
}

func TestKindIsSignal(t *testing.T) {
	for _, k := range []Kind{KindOffer, KindAnswer, KindCandidate} {
		if !k.IsSignal() {
			t.Fatalf("%q.IsSignal()=false, want true", k)
		}
	}
	for _, k := range []Kind{"candidate", "join", ""} {
		if k.IsSignal() {
			t.Fatalf("%q.IsSignal()=true, want false", k)
		}
	}
}

func TestNewConnectionIDUnique(t *testing.T) {
	seen := make(map[ConnectionID]bool)
	for i := 0; i < 100; i++ {
		id, err := NewConnectionID()
		if err != nil {
			t.Fatalf("NewConnectionID: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestParseSessionKey(t *testing.T) {
	cases := []struct {
		in      string
		want    SessionKey
		wantErr bool
	}{
		{in: "", want: ""},
		{in: "room2", want: "room2"},
		{in: "has space", wantErr: true},
		{in: "tab\there", wantErr: true},
		{in: string(make([]byte, MaxSessionKeyLen+1)), wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseSessionKey(tc.in)
		if tc.wantErr {
			if err != ErrInvalidSessionKey {
				t.Fatalf("ParseSessionKey(%q) err=%v, want %v", tc.in, err, ErrInvalidSessionKey)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSessionKey(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseSessionKey(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}
