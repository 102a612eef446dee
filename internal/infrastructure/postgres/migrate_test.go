package postgres

import (
	"strings"
	"testing"
)

func TestMigrationsEmbedded(t *testing.T) {
	ms, err := Migrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) == 0 || ms[0].Version != "001_init" {
		t.Fatalf("migrations = %+v", ms)
	}
	for _, table := range []string{"prior_auth_events", "outbox", "inbox"} {
		if !strings.Contains(ms[0].SQL, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("001_init does not create %s", table)
		}
	}
}

func TestPendingSkipsApplied(t *testing.T) {
	all := []Migration{{Version: "001_init"}, {Version: "002_next"}}
	got := pending(all, []string{"001_init"})
	if len(got) != 1 || got[0].Version != "002_next" {
		t.Errorf("pending = %+v", got)
	}
}
