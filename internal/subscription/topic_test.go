package subscription

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		topic   string
		wantErr bool
	}{
		{"*", false},
		{"ox:mail:new", false},
		{"ox:mail:*", false},
		{"ox:calendar:changed", false},
		{"ox", false},
		{"ox:*", false},
		{"ox:mail.v2:new-folder_x", false},
		{"", true},
		{"ox::new", true},
		{"ox:*:new", true},
		{"ox:mail*", true},
		{":ox", true},
		{"ox:", true},
		{"ox mail", true},
		{"*:*", true},
		{"ox:mail:**", true},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateTopic(%q) error = %v, wantErr %v", tt.topic, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTopic) {
				t.Errorf("expected ErrInvalidTopic, got %v", err)
			}
		})
	}
}

func TestParseInterests(t *testing.T) {
	in, err := ParseInterests([]string{"ox:mail:*", "ox:calendar:new", "ox:mail:*", "ox:drive:*"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.All {
		t.Fatal("all-flag should not be set")
	}
	if want := []string{"ox:calendar:new"}; !reflect.DeepEqual(in.Exact, want) {
		t.Errorf("exact = %v, want %v", in.Exact, want)
	}
	if want := []string{"ox:drive:", "ox:mail:"}; !reflect.DeepEqual(in.Prefixes, want) {
		t.Errorf("prefixes = %v, want %v", in.Prefixes, want)
	}

	got := in.Topics()
	want := []string{"ox:calendar:new", "ox:drive:*", "ox:mail:*"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Topics() = %v, want %v", got, want)
	}
}

func TestParseInterests_AllSupersedes(t *testing.T) {
	in, err := ParseInterests([]string{"ox:mail:new", "*", "ox:calendar:*"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !in.All {
		t.Fatal("expected all-flag")
	}
	if len(in.Exact) != 0 || len(in.Prefixes) != 0 {
		t.Errorf("all-flag interests must not keep other topics: %+v", in)
	}
	if got := in.Topics(); !reflect.DeepEqual(got, []string{"*"}) {
		t.Errorf("Topics() = %v", got)
	}
}

func TestParseInterests_Invalid(t *testing.T) {
	_, err := ParseInterests([]string{"ox:mail:new", "bad topic"})
	if !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("expected ErrInvalidTopic, got %v", err)
	}
}

func TestMatch(t *testing.T) {
	mail := Interests{Prefixes: []string{"ox:mail:"}}
	mixed := Interests{Exact: []string{"ox:mail:new"}, Prefixes: []string{"ox:", "ox:mail:"}}

	tests := []struct {
		name      string
		topic     string
		in        Interests
		wantTopic string
		wantOK    bool
	}{
		{"all matches anything", "ox:drive:new", Interests{All: true}, "*", true},
		{"exact", "ox:calendar:new", Interests{Exact: []string{"ox:calendar:new"}}, "ox:calendar:new", true},
		{"exact miss", "ox:calendar:changed", Interests{Exact: []string{"ox:calendar:new"}}, "", false},
		{"prefix", "ox:mail:new", mail, "ox:mail:*", true},
		{"prefix other event", "ox:mail:deleted", mail, "ox:mail:*", true},
		{"prefix miss", "ox:calendar:new", mail, "", false},
		{"prefix needs segment boundary", "ox:mailbox", mail, "", false},
		{"exact beats prefix", "ox:mail:new", mixed, "ox:mail:new", true},
		{"longest prefix wins", "ox:mail:deleted", mixed, "ox:mail:*", true},
		{"short prefix", "ox:drive:new", mixed, "ox:*", true},
		{"nothing declared", "ox:mail:new", Interests{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Match(tt.topic, tt.in)
			if ok != tt.wantOK || got != tt.wantTopic {
				t.Errorf("Match(%q) = (%q, %v), want (%q, %v)", tt.topic, got, ok, tt.wantTopic, tt.wantOK)
			}
		})
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if (&Subscription{}).Expired(now) {
		t.Error("subscription without expiry must not be expired")
	}
	if !(&Subscription{Expires: &past}).Expired(now) {
		t.Error("past expiry should be expired")
	}
	if (PushMatch{Expires: &future}).Expired(now) {
		t.Error("future expiry should not be expired")
	}
}

func TestMatchGroups(t *testing.T) {
	g := MatchGroups{}
	g.Add(PushMatch{Client: "app", TransportID: "apn", Token: "a"})
	g.Add(PushMatch{Client: "app", TransportID: "apn", Token: "b"})
	g.Add(PushMatch{Client: "web", TransportID: "fcm", Token: "c"})

	if g.Len() != 3 {
		t.Errorf("Len() = %d, want 3", g.Len())
	}
	if n := len(g[ClientAndTransport{Client: "app", TransportID: "apn"}]); n != 2 {
		t.Errorf("app/apn group = %d, want 2", n)
	}
}

func TestRegisterStatusString(t *testing.T) {
	if StatusOK.String() != "ok" || StatusConflictingUser.String() != "conflicting_user" {
		t.Error("unexpected status names")
	}
	r := Conflict(1, 2)
	if r.Status != StatusConflictingUser || r.OwnerUserID != 1 || r.OwnerContextID != 2 {
		t.Errorf("unexpected conflict result %+v", r)
	}
}
