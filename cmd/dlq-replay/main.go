package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mmdatafocus/catalog_sync/config"
	"github.com/mmdatafocus/catalog_sync/dlq"
	"github.com/mmdatafocus/catalog_sync/transport"
	"github.com/mmdatafocus/catalog_sync/workflow"
)

func main() {
	tenantID := flag.String("tenant-id", "", "Tenant to scope --list to")
	list := flag.Bool("list", false, "List pending DLQ records")
	limit := flag.Int("limit", dlq.DefaultMaxRecords, "Max records for --list")
	id := flag.String("id", "", "DLQ record id")
	replay := flag.Bool("replay", false, "Republish the record onto the main channel")
	ack := flag.Bool("ack", false, "Acknowledge the record without replaying")
	notes := flag.String("notes", "", "Notes stored with --ack")
	by := flag.String("by", "cli", "Operator recorded as replayed/acknowledged by")
	dryRun := flag.Bool("dry-run", true, "Show the record only (no writes)")
	flag.Parse()

	if !*list && strings.TrimSpace(*id) == "" {
		fmt.Fprintln(os.Stderr, "--list or --id is required")
		os.Exit(1)
	}
	if *replay && *ack {
		fmt.Fprintln(os.Stderr, "--replay and --ack are mutually exclusive")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	store := dlq.NewStore(db)

	if *list {
		recs, err := store.ListPending(ctx, dlq.ListFilter{TenantId: *tenantID, Limit: *limit})
		if err != nil {
			fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
			os.Exit(1)
		}
		for _, rec := range recs {
			fmt.Printf("id=%s tenant=%s event_type=%s priority=%s failure=%s attempts=%d error_code=%s last_attempt=%s\n",
				rec.ID, rec.TenantId, rec.EventType, rec.Priority, rec.FailureType, rec.Attempts, rec.ErrorCode,
				rec.LastAttemptAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("%d pending\n", len(recs))
		return
	}

	rec, err := store.GetById(ctx, *id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "not found: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("id=%s tenant=%s event_type=%s correlation_id=%s idempotency_key=%s priority=%s failure=%s attempts=%d replayed=%v acknowledged=%v\nerror=%s\nmessage=%s\n",
		rec.ID, rec.TenantId, rec.EventType, rec.CorrelationId, rec.IdempotencyKey, rec.Priority, rec.FailureType,
		rec.Attempts, rec.IsReplayed, rec.IsAcknowledged, rec.ErrorMessage, rec.OriginalMessage)

	if *dryRun || (!*replay && !*ack) {
		return
	}

	if *ack {
		var n *string
		if strings.TrimSpace(*notes) != "" {
			n = notes
		}
		if err := store.Acknowledge(ctx, rec.ID, *by, n); err != nil {
			fmt.Fprintf(os.Stderr, "acknowledge failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("dlq record acknowledged")
		return
	}

	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "settings: %v\n", err)
		os.Exit(1)
	}
	tr, err := transport.Open(ctx, settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transport: %v\n", err)
		os.Exit(1)
	}
	defer tr.Close()

	publisher := workflow.NewEventPublisher(tr, transport.ChannelsFor(settings.EventType, settings.RetryTiers))
	outcome, err := dlq.NewReplayer(store, publisher, nil, config.GetLogger()).Replay(ctx, rec.ID, *by)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("dlq record replayed correlation_id=%s result=%s\n", outcome.CorrelationId, outcome.Result)
}
