// vendor_probe - Direct vendor API probing tool
// Fetches the first page of every resource with the stored token and shows
// how the records map. Synced tables are never written; the token manager
// may still store a refreshed token.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pysugar/exchange-sync/internal/auth/token"
	"github.com/pysugar/exchange-sync/internal/config"
	"github.com/pysugar/exchange-sync/internal/db"
	"github.com/pysugar/exchange-sync/internal/syncer"
	"github.com/pysugar/exchange-sync/internal/upstream"
	"github.com/pysugar/exchange-sync/internal/util"
)

type probeResult struct {
	resource string
	status   string
	fetched  int
	mapped   int
	elapsed  time.Duration
	detail   string
	sample   string
}

func main() {
	only := flag.String("resource", "", "probe a single resource key")
	since := flag.Duration("since", 0, "only records updated within this window (e.g. 24h)")
	dump := flag.Bool("dump", false, "print the first mapped record of each resource")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	database, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	tokens := token.NewManager(database, cfg.Vendor)
	client := upstream.NewClient(cfg.Vendor, tokens)
	catalog := syncer.Catalog(cfg.Vendor.Endpoints)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	status, err := tokens.GetTokenStatus(ctx)
	if err != nil || !status.HasToken {
		fmt.Println("❌ No vendor token stored; complete the consent flow at /auth/vendor/login first")
		os.Exit(1)
	}
	fmt.Printf("🔑 Token expires in %ds (needs refresh: %v)\n", status.ExpiresInSeconds, status.NeedsRefresh)

	keys := syncer.DefaultResources
	if *only != "" {
		if _, ok := catalog[*only]; !ok {
			log.Fatalf("Unknown resource %q (known: %s)", *only, strings.Join(syncer.DefaultResources, ", "))
		}
		keys = []string{*only}
	}

	filter := upstream.Filter{MaxPages: 1}
	if *since > 0 {
		from := time.Now().Add(-*since)
		filter.UpdatedSince = &from
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Printf("VENDOR API PROBE (first page of %d per resource, no records are written)\n", client.PageSize())
	fmt.Println(strings.Repeat("=", 80))

	var results []probeResult
	for _, key := range keys {
		results = append(results, probe(ctx, client, catalog[key], filter))
	}

	fmt.Printf("\n%-10s | %-8s | %-7s | %-6s | %-8s | %s\n", "Resource", "Status", "Fetched", "Mapped", "Elapsed", "Detail")
	fmt.Println(strings.Repeat("-", 80))
	for _, r := range results {
		fmt.Printf("%-10s | %-8s | %-7d | %-6d | %-8s | %s\n",
			r.resource, r.status, r.fetched, r.mapped, r.elapsed.Round(time.Millisecond), util.TruncateLog(r.detail, 30))
	}
	if *dump {
		for _, r := range results {
			if r.status == "ok" && r.sample != "" {
				fmt.Printf("\n📦 %s\n%s\n", r.resource, r.sample)
			}
		}
	}
}

func probe(ctx context.Context, client *upstream.Client, res syncer.Resource, filter upstream.Filter) probeResult {
	out := probeResult{resource: res.Key}
	start := time.Now()
	raws, err := client.FetchAllPages(ctx, res.Key, res.Endpoint, filter)
	out.elapsed = time.Since(start)
	if errors.Is(err, upstream.ErrPageCapReached) {
		err = nil
	}
	if err != nil {
		out.status = "error"
		out.detail = err.Error()
		return out
	}

	out.status = "ok"
	out.fetched = len(raws)
	now := time.Now().UTC()
	for i, raw := range raws {
		rec := res.Preview(raw, now)
		if rec.ExternalID() == "" {
			continue
		}
		out.mapped++
		if i == 0 {
			out.detail = "first id " + rec.ExternalID()
			if b, err := json.MarshalIndent(rec, "", "  "); err == nil {
				out.sample = string(b)
			}
		}
	}
	return out
}
