package idwords

import (
	"strings"
	"testing"

	"dev.c0redev.peerrpc/internal/peer"
)

func TestName(t *testing.T) {
	id := peer.ID(0x1234)
	name := Name(id)
	parts := strings.Split(name, ":")
	if len(parts) != 5 {
		t.Fatalf("expected 5 parts, got %d: %q", len(parts), name)
	}
	if !ValidName(name) {
		t.Fatalf("generated name should be valid: %q", name)
	}
	if Name(id) != name {
		t.Fatal("name not deterministic")
	}
	if Name(id+1) == name {
		t.Fatal("adjacent ids share a name")
	}
	if Identity.Identify(id) != name {
		t.Fatal("Identity differs from Name")
	}
}

func TestValidName(t *testing.T) {
	if ValidName("") {
		t.Fatal("empty should be invalid")
	}
	if ValidName("a:b:c") {
		t.Fatal("3 parts should be invalid")
	}
	if ValidName("x:y:z:w:v") {
		t.Fatal("unknown words should be invalid")
	}
	if ValidName("oak.oak.oak.oak.oak") {
		t.Fatal("dots instead of colons should be invalid")
	}
}
