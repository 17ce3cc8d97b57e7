package protocol

import "testing"

func TestRoomSubjectEscapesTokens(t *testing.T) {
	got := RoomSubject("comet", "lobby.eu west", EventParticipantJoin)
	want := "comet.rooms.lobby_eu_west.participant.joined"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRoomSubjectFilter(t *testing.T) {
	if got := RoomSubjectFilter("comet", ""); got != "comet.rooms.>" {
		t.Fatalf("unexpected wildcard filter %q", got)
	}
	if got := RoomSubjectFilter("comet", "a.b"); got != "comet.rooms.a_b.>" {
		t.Fatalf("unexpected room filter %q", got)
	}
}
