package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/traverse-labs/keel/pkg/config"
	"github.com/traverse-labs/keel/pkg/eventlog"
	"github.com/traverse-labs/keel/pkg/publisher"
)

// runDoctorCmd checks configuration, storage reachability and query
// plans, and reports which subscription queries lack index support.
func runDoctorCmd(out, errOut io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := config.Load()
	fmt.Fprintln(out, "Keel doctor")
	fmt.Fprintf(out, "  port:      %s\n", cfg.Port)
	fmt.Fprintf(out, "  log level: %s\n", cfg.LogLevel)

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		fmt.Fprintf(errOut, "  profile:   FAIL (%v)\n", err)
		return 1
	}
	fmt.Fprintf(out, "  profile:   %s (lease ttl %s)\n", profile.Name, profile.Leases.TTL())

	db, driver, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(errOut, "  storage:   FAIL (%v)\n", err)
		return 1
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(errOut, "  storage:   FAIL (ping: %v)\n", err)
		return 1
	}
	if err := eventlog.NewSQLLog(db).Init(ctx); err != nil {
		fmt.Fprintf(errOut, "  storage:   FAIL (init: %v)\n", err)
		return 1
	}
	fmt.Fprintf(out, "  storage:   OK (%s)\n", driver)

	indexes, err := availableIndexes(ctx, db, driver)
	if err != nil {
		fmt.Fprintf(errOut, "  indexes:   FAIL (%v)\n", err)
		return 1
	}

	queries := []publisher.SubscriptionQuerySet{
		publisher.StreamEvents{},
		publisher.PresenceByNode{},
		publisher.ProviderAssignmentsByStatus{},
		publisher.PendingBridgeOutbox{},
	}
	code := 0
	for _, q := range queries {
		plan, err := publisher.Plan(q)
		if err != nil {
			fmt.Fprintf(errOut, "  plan %T: FAIL (%v)\n", q, err)
			code = 1
			continue
		}
		missing := publisher.MissingIndexes(plan, indexes)
		if len(missing) > 0 {
			fmt.Fprintf(out, "  plan %-32T missing indexes: %v\n", q, missing)
			continue
		}
		fmt.Fprintf(out, "  plan %-32T OK\n", q)
	}
	return code
}

func runHealthCmd(out, errOut io.Writer) int {
	port := config.Load().Port
	resp, err := http.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
