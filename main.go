package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"cubebackend/obs"
	"cubebackend/ossstore"
	"cubebackend/pipeline"
	"cubebackend/store"
	"cubebackend/streamq"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	shutdownObs, _ := obs.Init("anomaly-api")
	defer func() { _ = shutdownObs(context.Background()) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr == "" {
		log.Fatalf("REDIS_ADDR is empty: the streams queue mode requires Redis")
	}
	recordStore, err := store.NewRedisRecordStore(redisAddr, os.Getenv("REDIS_PASSWORD"))
	if err != nil {
		log.Fatalf("init redis store failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		DB:       readEnvIntDefault("REDIS_DB", 0),
	})

	var ossSt *ossstore.Store
	if st, enabled, err := ossstore.NewFromEnv(); err != nil {
		if enabled {
			log.Fatalf("init oss store failed: %v", err)
		}
	} else if enabled {
		ossSt = st
		log.Printf("oss store enabled bucket=%s prefix=%s", strings.TrimSpace(os.Getenv("OSS_BUCKET")), strings.TrimSpace(os.Getenv("OSS_PREFIX")))
	}

	streamKey := readEnvDefault("ANOMALY_STREAM_KEY", "dc:anomalyqueries:stream")
	group := readEnvDefault("ANOMALY_STREAM_GROUP", "dc-anomaly")
	maxLen := int64(readEnvIntDefault("ANOMALY_STREAM_MAXLEN", 100000))
	q := streamq.NewRedisStreamQueue(rdb, streamKey, group, maxLen)

	svc := pipeline.NewService(recordStore, q, ossSt)
	svc.RegisterRoutes(mux)

	addr := ":" + readEnvDefault("PORT", "8080")
	log.Printf("anomaly-api listening on %s", addr)
	// Wrap order: cors -> otel/metrics -> mux
	handler := corsMiddleware(obs.WrapHTTP("anomaly-api", mux))
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func corsMiddleware(next http.Handler) http.Handler {
	allowOrigin := readEnvDefault("CORS_ALLOW_ORIGIN", "http://localhost:5173")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
