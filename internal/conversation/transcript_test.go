package conversation

import "testing"

func TestTranscript(t *testing.T) {
	var tr Transcript
	tr.Append(RoleAgent, "Bom dia! Falo com a Clínica Sorriso?")
	tr.Append(RoleCounterparty, "Sim")
	tr.Append(RoleAgent, "Vocês atendem aos sábados?")

	if tr.Len() != 3 {
		t.Fatalf("expected 3 turns, got %d", tr.Len())
	}
	if last, ok := tr.LastFrom(RoleCounterparty); !ok || last != "Sim" {
		t.Fatalf("unexpected last counterparty turn %q", last)
	}

	msgs := tr.Messages()
	if msgs[0].Role != ChatRoleAssistant || msgs[1].Role != ChatRoleUser {
		t.Fatalf("unexpected roles: %+v", msgs)
	}

	turns := tr.Turns()
	turns[0].Text = "changed"
	if tr.Turns()[0].Text == "changed" {
		t.Fatal("Turns must return a copy")
	}

	var empty Transcript
	if _, ok := empty.LastFrom(RoleAgent); ok {
		t.Fatal("empty transcript has no turns")
	}
}
