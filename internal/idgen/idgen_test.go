package idgen

import (
	"sort"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("New() = %q is not a uuid: %v", id, err)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixContract)
	if !HasPrefix(id, PrefixContract) {
		t.Fatalf("expected %s id, got %q", PrefixContract, id)
	}
	if len(id) != len(PrefixContract)+32 {
		t.Fatalf("unexpected length %d", len(id))
	}
	if WithPrefix(PrefixContract) == id {
		t.Fatal("expected unique ids")
	}
	if HasPrefix(id, PrefixJob) {
		t.Fatal("contract id must not look like a job id")
	}
}

func TestWithPrefix_TimeOrdered(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = WithPrefix(PrefixEntry)
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatal("ids generated in sequence should sort in sequence")
	}
}

func TestHasPrefix_Rejects(t *testing.T) {
	for _, id := range []string{"", "job_", "job_xyz", "job_" + New()} {
		if HasPrefix(id, PrefixJob) {
			t.Errorf("HasPrefix(%q) = true", id)
		}
	}
}
