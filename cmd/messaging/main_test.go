package main

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"

	"github.com/pawpal/messaging/chat"
	"github.com/pawpal/messaging/config"
)

func TestOpenStore_memorySeeds(t *testing.T) {
	ctx := context.Background()
	store, closeStore, err := openStore(ctx, config.DatabaseConfig{
		Driver:     config.DriverMemory,
		SeedUsers:  []string{"alice", "bob"},
		SeedGroups: map[string][]string{"pack": {"alice", "bob"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer closeStore()

	for _, id := range []string{"alice", "bob"} {
		if ok, err := store.UserExists(ctx, id); err != nil || !ok {
			t.Errorf("UserExists(%s) = %v, %v; want true", id, ok, err)
		}
	}
	roster, err := store.GroupRoster(ctx, "pack")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"alice", "bob"}, roster); diff != "" {
		t.Errorf("Roster mismatch (-want +got):\n%s", diff)
	}

	// The seeded users can start a conversation.
	registry := &chat.Registry{Store: store, Logger: slogt.New(t)}
	if _, err := registry.ResolveDirect(ctx, "alice", "alice", "bob"); err != nil {
		t.Errorf("ResolveDirect: %v", err)
	}
}
