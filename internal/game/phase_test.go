package game

import (
	"reflect"
	"testing"
)

func TestPhaseNext(t *testing.T) {
	want := map[Phase]Phase{
		PhaseLobby:       PhaseDescription,
		PhaseDescription: PhaseReading,
		PhaseReading:     PhaseGuessing,
		PhaseGuessing:    PhaseResults,
		PhaseResults:     PhaseLobby,
	}
	for from, to := range want {
		if got := from.Next(); got != to {
			t.Fatalf("%s.Next() = %s, want %s", from, got, to)
		}
		if !from.CanTransitionTo(to) {
			t.Fatalf("%s should transition to %s", from, to)
		}
	}
	if PhaseLobby.CanTransitionTo(PhaseReading) {
		t.Fatal("lobby must not skip to reading")
	}
	if Phase("intermission").Valid() {
		t.Fatal("unknown phase reported valid")
	}
}

func TestPhasePath(t *testing.T) {
	got := PhaseLobby.Path(PhaseReading)
	want := []Phase{PhaseDescription, PhaseReading}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Path(lobby, reading) = %v, want %v", got, want)
	}
	if p := PhaseGuessing.Path(PhaseDescription); p != nil {
		t.Fatalf("backwards path should be empty, got %v", p)
	}
	if p := PhaseReading.Path(PhaseReading); p != nil {
		t.Fatalf("path to self should be empty, got %v", p)
	}
	if p := Phase("bogus").Path(PhaseResults); p != nil {
		t.Fatalf("path from unknown phase should be empty, got %v", p)
	}
}

func TestStatusTransition(t *testing.T) {
	testCases := []struct {
		description string
		phase       Phase
		current     Status
		proposed    Status
		submitted   bool
		justEntered bool
		want        Status
	}{
		{"submitted writer becomes ready", PhaseDescription, StatusWriting, StatusReady, true, false, StatusReady},
		{"ready without submission is ignored", PhaseDescription, StatusWriting, StatusReady, false, false, StatusWriting},
		{"ready is the resting status in reading", PhaseReading, StatusWriting, StatusReady, false, false, StatusReady},
		{"downgrade believed on phase entry", PhaseDescription, StatusReady, StatusWriting, false, true, StatusWriting},
		{"downgrade ignored after entry window", PhaseDescription, StatusReady, StatusWriting, false, false, StatusReady},
		{"downgrade ignored once submitted", PhaseGuessing, StatusReady, StatusGuessing, true, true, StatusReady},
		{"writing follows phase to guessing", PhaseGuessing, StatusWriting, StatusGuessing, false, false, StatusGuessing},
		{"guessing outside guessing phase ignored", PhaseDescription, StatusWriting, StatusGuessing, false, false, StatusWriting},
		{"unknown status ignored", PhaseDescription, StatusWriting, Status("dancing"), false, false, StatusWriting},
		{"empty current defaults to phase status", PhaseDescription, "", Status("dancing"), false, false, StatusWriting},
		{"empty current with submission is ready", PhaseGuessing, "", StatusGuessing, true, false, StatusReady},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			got := StatusTransition(tc.phase, tc.current, tc.proposed, tc.submitted, tc.justEntered)
			if got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestPhaseStatus(t *testing.T) {
	if PhaseStatus(PhaseDescription) != StatusWriting {
		t.Fatal("description should mean writing")
	}
	if PhaseStatus(PhaseGuessing) != StatusGuessing {
		t.Fatal("guessing should mean guessing")
	}
	for _, p := range []Phase{PhaseLobby, PhaseReading, PhaseResults} {
		if PhaseStatus(p) != StatusReady {
			t.Fatalf("%s should mean ready", p)
		}
	}
}
