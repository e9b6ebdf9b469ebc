package main

import (
	"testing"

	"github.com/beatnyk77/vibepe/internal/app"
	"github.com/beatnyk77/vibepe/internal/config"
)

func TestRoutingTable_UsesConfiguredDomesticCurrencies(t *testing.T) {
	table := routingTable(&config.Config{DomesticCurrencies: "inr, npr"})

	if table.RailFor("NPR") != app.RailDomestic {
		t.Fatal("expected NPR on the domestic rail")
	}
	if table.RailFor("INR") != app.RailDomestic {
		t.Fatal("expected INR on the domestic rail")
	}
	if table.RailFor("USD") != app.RailCrossBorder {
		t.Fatal("expected USD on the cross-border rail")
	}
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "run", "reconcile", "migrate"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("expected %q subcommand, got %v (err=%v)", name, cmd, err)
		}
	}
}
