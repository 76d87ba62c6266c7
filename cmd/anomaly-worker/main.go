package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"cubebackend/datacube"
	"cubebackend/obs"
	"cubebackend/ossstore"
	"cubebackend/pipeline"
	"cubebackend/redislock"
	"cubebackend/store"
	"cubebackend/streamq"
)

func main() {
	shutdownObs, _ := obs.Init("anomaly-worker")
	defer func() { _ = shutdownObs(context.Background()) }()

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr == "" {
		log.Fatalf("REDIS_ADDR is empty")
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

	cubeDir := strings.TrimSpace(os.Getenv("DATACUBE_DIR"))
	if cubeDir == "" {
		log.Fatalf("DATACUBE_DIR is empty: worker needs an ingested data directory")
	}
	cube, err := datacube.FromDir(cubeDir)
	if err != nil {
		log.Fatalf("load datacube dir failed: %v", err)
	}

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
	ctx, cancel := signalContext()
	defer cancel()

	if err := q.EnsureGroup(ctx); err != nil {
		log.Fatalf("ensure stream group failed: %v", err)
	}

	tmpRoot := readEnvDefault("TMP_ROOT", "./tmp")
	resultRoot := readEnvDefault("RESULT_ROOT", "./results")
	lock := redislock.New(rdb, readEnvDefault("ANOMALY_QUERY_LOCK_PREFIX", "dc:lock:anomalyquery:"))
	orch := pipeline.NewOrchestrator(recordStore, cube, tmpRoot, resultRoot, ossSt, lock)

	consumerName := strings.TrimSpace(os.Getenv("WORKER_CONSUMER_NAME"))
	if consumerName == "" {
		consumerName = strings.TrimSpace(os.Getenv("HOSTNAME"))
	}
	cons := streamq.NewConsumer(rdb, streamKey, group, consumerName)
	cons.SetConcurrency(readEnvIntDefault("STREAM_CONCURRENCY", 2))
	log.Printf("anomaly-worker start stream=%s group=%s consumer=%s", streamKey, group, consumerName)

	go serveMetrics(readEnvDefault("METRICS_ADDR", ":9090"))

	err = cons.ConsumeLoop(ctx, func(ctx context.Context, queryKey string) error {
		// handler should never crash the loop; all failures are persisted to the record store.
		start := time.Now()
		err := orch.Process(ctx, queryKey)
		obs.RecordWorkerQuery("anomaly-worker", start, err)
		return err
	})
	if err != nil && err != context.Canceled {
		log.Fatalf("consume loop exited: %v", err)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP("anomaly-worker-metrics", mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
	_ = srv.ListenAndServe()
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
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// second signal: hard exit
		select {
		case <-ch:
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()
	return ctx, cancel
}
