package main

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/kestrelcloud/kestrel/manager/bus"
	"github.com/kestrelcloud/kestrel/manager/client"
	"github.com/kestrelcloud/kestrel/manager/middleware"
	"github.com/kestrelcloud/kestrel/manager/registry"
	"github.com/kestrelcloud/kestrel/manager/resilience"
	"github.com/kestrelcloud/kestrel/manager/store"
	"github.com/kestrelcloud/kestrel/manager/transport"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("Invalid %s=%q: %v", key, v, err)
		}
		return d
	}
	return fallback
}

func main() {
	ctx := context.Background()

	// Store: Postgres when DATABASE_URL is set, otherwise in-memory.
	// MemoryStore only works for single-node operation and loses the
	// registry on restart.
	var s store.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		log.Printf("✅ Connected to Postgres for job registry and resource records")
		s = pg
	} else {
		log.Printf("⚠️ DATABASE_URL not set, using in-memory store (EPHEMERAL)")
		s = store.NewMemoryStore()
	}
	defer s.Close()

	// Remote control plane credentials.
	apiURL := os.Getenv("KESTREL_API_URL")
	apiKey := os.Getenv("KESTREL_API_KEY")
	secretKey := os.Getenv("KESTREL_SECRET_KEY")
	if apiURL == "" || apiKey == "" || secretKey == "" {
		log.Fatal("KESTREL_API_URL, KESTREL_API_KEY and KESTREL_SECRET_KEY are required")
	}

	t := transport.New(transport.Config{
		Endpoint:  apiURL,
		APIKey:    apiKey,
		SecretKey: secretKey,
	})
	commands := client.New(t, 10, 20)

	reg := registry.New(s)
	issuer := client.NewIssuer(reg, s, client.DefaultRetryPolicy())

	feed := NewFeedHub()
	go feed.Run(ctx)

	reconciler := NewReconciler(s, reg, feed)

	// Event bus: Redis Streams when REDIS_ADDR is set, otherwise the
	// in-process bus. The dedup window rides on the same Redis.
	var b bus.Bus
	var dedup bus.Deduper
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rb, err := bus.NewRedisBus(redisAddr, os.Getenv("REDIS_PASSWORD"), 0, Bindings)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", redisAddr, err)
		}
		log.Printf("✅ Connected to Redis at %s for event streams", redisAddr)
		b = rb
		dedup = bus.NewRedisDeduper(redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
		}))
	} else {
		log.Printf("⚠️ REDIS_ADDR not set, using in-process bus (single node only)")
		b = bus.NewMemoryBus(Bindings)
		dedup = bus.NewMemoryDeduper()
	}
	defer b.Close()

	ingest := NewIngest(b, reconciler, dedup)
	ingest.Start(ctx)

	sweepAge := envDurationOr("KESTREL_SWEEP_AGE", time.Hour)
	sweeper := resilience.NewSweeper(s, sweepAge, envDurationOr("KESTREL_SWEEP_INTERVAL", 5*time.Minute))
	sweeper.Start(ctx)
	log.Printf("[CONFIG] Sweeping Pending jobs older than %v", sweepAge)

	api := NewAPI(s, reg, issuer, commands, feed)

	adminToken := os.Getenv("KESTREL_ADMIN_TOKEN")
	if adminToken == "" {
		log.Fatal("KESTREL_ADMIN_TOKEN is required")
	}
	auth := func(h http.HandlerFunc) http.Handler {
		return middleware.AuthMiddleware(adminToken, h)
	}

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	http.Handle("/jobs", auth(api.handleJobs))
	http.Handle("/jobs/", auth(api.handleJobs))
	http.Handle("/resources/", auth(api.handleGetResource))
	http.Handle("/instances", auth(api.handleInstances))
	http.Handle("/instances/", auth(api.handleInstances))

	// The feed authenticates via a token query parameter because browser
	// WebSocket clients cannot set headers.
	http.HandleFunc("/events/stream", func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(adminToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		api.handleFeed(w, r)
	})

	http.Handle("/metrics", promhttp.Handler())

	listenAddr := envOr("LISTEN_ADDR", ":8080")
	log.Printf("Kestrel manager listening on %s", listenAddr)

	handler := middleware.CORSMiddleware(http.DefaultServeMux)
	log.Fatal(http.ListenAndServe(listenAddr, handler))
}
