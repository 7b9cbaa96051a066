package chat

import (
	"testing"

	"github.com/mesaj-chat/backend/internal/apperr"
)

func TestDeriveConversationIDIsCommutative(t *testing.T) {
	pairs := [][2]string{
		{"u1", "u2"},
		{"alice", "bob"},
		{"zzz", "aaa"},
		{"9", "10"},
	}
	for _, pair := range pairs {
		forward, err := DeriveConversationID(pair[0], pair[1])
		if err != nil {
			t.Fatalf("unexpected error for %v: %v", pair, err)
		}
		reverse, err := DeriveConversationID(pair[1], pair[0])
		if err != nil {
			t.Fatalf("unexpected error for reversed %v: %v", pair, err)
		}
		if forward != reverse {
			t.Fatalf("expected %q == %q for pair %v", forward, reverse, pair)
		}
	}
}

func TestDeriveConversationIDSortsParticipants(t *testing.T) {
	conversationID, err := DeriveConversationID("u2", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conversationID != "u1_u2" {
		t.Fatalf("expected canonical id u1_u2, got %s", conversationID)
	}
}

func TestDeriveConversationIDRejectsInvalidPairs(t *testing.T) {
	cases := []struct {
		name  string
		userA string
		userB string
	}{
		{name: "empty first", userA: "", userB: "u2"},
		{name: "empty second", userA: "u1", userB: ""},
		{name: "whitespace", userA: "   ", userB: "u2"},
		{name: "equal ids", userA: "u1", userB: "u1"},
		{name: "delimiter in id", userA: "u_1", userB: "u2"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := DeriveConversationID(testCase.userA, testCase.userB)
			if err == nil {
				t.Fatalf("expected error for %q/%q", testCase.userA, testCase.userB)
			}
			if !apperr.IsCode(err, apperr.CodeInvalidArgument) {
				t.Fatalf("expected invalid argument code, got %v", apperr.CodeOf(err))
			}
		})
	}
}

func TestOtherParticipant(t *testing.T) {
	other, err := OtherParticipant("u1_u2", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other != "u2" {
		t.Fatalf("expected u2, got %s", other)
	}

	other, err = OtherParticipant("u1_u2", "u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other != "u1" {
		t.Fatalf("expected u1, got %s", other)
	}

	if _, err := OtherParticipant("u1_u2", "u3"); err == nil {
		t.Fatalf("expected error for non-participant")
	}
	if _, err := OtherParticipant("malformed", "u1"); err == nil {
		t.Fatalf("expected error for malformed conversation id")
	}
}
