// Command runloop-health implements the health-check CLI surface of §6:
// health --endpoint {workflow|step|both} --timeout <ms> [--backend <id>]
// [--json], exiting 0 if every probed endpoint reports healthy and 1
// otherwise.
//
// # Configuration
//
// Environment variables:
//
//	REDIS_URL           - Redis connection URL for the default backend (default: "localhost:6379")
//	REDIS_URL_<BACKEND>  - Override REDIS_URL for a named --backend (uppercased)
//	REDIS_PASSWORD       - Redis password (optional)
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/runloop-dev/runloop/workflow/config"
	"github.com/runloop-dev/runloop/workflow/health"
	"github.com/runloop-dev/runloop/workflow/queue/redisqueue"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	var (
		endpointF = flag.String("endpoint", "both", "Endpoint to probe: workflow, step, or both")
		timeoutF  = flag.Int("timeout", 0, "Probe timeout in milliseconds (0 uses the engine default)")
		backendF  = flag.String("backend", "default", "Backend identifier, selects REDIS_URL_<BACKEND> if set")
		jsonF     = flag.Bool("json", false, "Emit JSON instead of human-readable text")
	)
	flag.Parse()

	endpoint := strings.ToLower(*endpointF)
	if endpoint != "workflow" && endpoint != "step" && endpoint != "both" {
		return fmt.Errorf("invalid --endpoint %q: must be workflow, step, or both", *endpointF)
	}

	redisURL := envOr("REDIS_URL_"+strings.ToUpper(*backendF), envOr("REDIS_URL", "localhost:6379"))
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisURL,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}()

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis backend %q: %w", *backendF, err)
	}

	q := redisqueue.New(rdb)
	defer func() {
		if err := q.Close(); err != nil {
			log.Printf("close queue: %v", err)
		}
	}()

	svc := health.NewService(q, config.Default())
	timeout := time.Duration(*timeoutF) * time.Millisecond

	var results []health.Result
	switch endpoint {
	case "workflow":
		results = []health.Result{svc.Check(ctx, health.EndpointWorkflow, timeout)}
	case "step":
		results = []health.Result{svc.Check(ctx, health.EndpointStep, timeout)}
	case "both":
		results = svc.CheckBoth(ctx, timeout)
	}

	allHealthy := true
	for _, r := range results {
		if !r.Healthy {
			allHealthy = false
		}
	}

	if *jsonF {
		b, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		fmt.Println(string(b))
	} else {
		for _, r := range results {
			if r.Healthy {
				fmt.Printf("%s: healthy (%dms)\n", r.Endpoint, r.LatencyMs)
			} else {
				fmt.Printf("%s: unhealthy (%s)\n", r.Endpoint, r.Error)
			}
		}
	}

	if !allHealthy {
		os.Exit(1)
	}
	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
