package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"cubebackend/datacube"
	"cubebackend/domain"
	"cubebackend/executor"
	"cubebackend/obs"
	"cubebackend/ossstore"
	"cubebackend/raster"
	"cubebackend/redislock"
	"cubebackend/render"
	"cubebackend/report"
	"cubebackend/store"
	"cubebackend/streamq"
)

const workerName = "anomaly"

type Orchestrator struct {
	store      store.RecordStore
	cube       datacube.API
	pool       *executor.Pool
	tmpRoot    string
	resultRoot string
	oss        *ossstore.Store
	lock       *redislock.Client
	lockTTL    time.Duration
	lockKick   time.Duration
	inflight   chan struct{}
}

func NewOrchestrator(st store.RecordStore, cube datacube.API, tmpRoot, resultRoot string, oss *ossstore.Store, lock *redislock.Client) *Orchestrator {
	maxInflight := readEnvIntDefault("ANOMALY_MAX_INFLIGHT", 2)
	if maxInflight <= 0 {
		maxInflight = 1
	}
	chunkWorkers := readEnvIntDefault("ANOMALY_CHUNK_WORKERS", 4)
	lockTTL := readEnvDurationSecondsDefault("ANOMALY_QUERY_LOCK_TTL_SECONDS", 2*time.Hour)
	lockKick := readEnvDurationSecondsDefault("ANOMALY_QUERY_LOCK_REFRESH_SECONDS", 30*time.Second)
	if lockKick <= 0 {
		lockKick = 30 * time.Second
	}
	return &Orchestrator{
		store:      st,
		cube:       cube,
		pool:       executor.NewPool(chunkWorkers),
		tmpRoot:    tmpRoot,
		resultRoot: resultRoot,
		oss:        oss,
		lock:       lock,
		lockTTL:    lockTTL,
		lockKick:   lockKick,
		inflight:   make(chan struct{}, maxInflight),
	}
}

func (o *Orchestrator) acquireInflight() {
	if o == nil || o.inflight == nil {
		return
	}
	o.inflight <- struct{}{}
}

func (o *Orchestrator) releaseInflight() {
	if o == nil || o.inflight == nil {
		return
	}
	select {
	case <-o.inflight:
	default:
	}
}

// Process runs the full pipeline for one query key: plan, chunk fan-out,
// per-window merge, cross-window combination, artifact rendering, record
// finalization. Errors wrapped in streamq.Terminal have already been recorded
// on the result and must not be retried.
func (o *Orchestrator) Process(ctx context.Context, queryKey string) (err error) {
	o.acquireInflight()
	defer o.releaseInflight()

	if o == nil || o.store == nil || o.cube == nil {
		return errors.New("orchestrator not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// A panic must still leave the result in a terminal state.
	defer func() {
		if r := recover(); r != nil {
			err = streamq.Terminal(o.fail(queryKey, fmt.Errorf("query panic: %v", r)))
		}
	}()

	// Distributed lock: prevent duplicate processing across worker replicas.
	if o.lock != nil {
		token, err := redislock.Token()
		if err != nil {
			return err
		}
		lockKey := o.lock.Key(queryKey)
		ok, err := o.lock.Acquire(ctx, lockKey, token, o.lockTTL)
		if err != nil {
			// transient: keep pending
			return err
		}
		if !ok {
			// Likely a duplicate enqueue; ACK and move on.
			return streamq.Terminal(fmt.Errorf("query locked: %s", lockKey))
		}
		defer func() {
			_, _ = o.lock.Release(context.Background(), lockKey, token)
		}()

		stopKick := make(chan struct{})
		defer close(stopKick)
		go func() {
			t := time.NewTicker(o.lockKick)
			defer t.Stop()
			for {
				select {
				case <-stopKick:
					return
				case <-ctx.Done():
					return
				case <-t.C:
					_, err := o.lock.Refresh(context.Background(), lockKey, token, o.lockTTL)
					if err != nil {
						// best-effort; TTL is long enough for typical queries
						log.Printf("lock refresh failed query=%s: %v", queryKey, err)
					}
				}
			}
		}()
	}

	q, ok, err := o.store.GetQuery(queryKey)
	if err != nil || !ok {
		return err
	}
	res, ok, err := o.store.GetResult(queryKey)
	if err != nil {
		return err
	}
	if ok && res.Status.Terminal() {
		return streamq.Terminal(nil)
	}
	if !ok {
		now := time.Now().UTC()
		if err := o.store.CreateResult(&domain.Result{
			QueryKey:     queryKey,
			Status:       domain.ResultStatusWaiting,
			CreatedAt:    now,
			LatitudeMin:  q.LatitudeMin,
			LatitudeMax:  q.LatitudeMax,
			LongitudeMin: q.LongitudeMin,
			LongitudeMax: q.LongitudeMax,
		}); err != nil {
			return err
		}
	}

	if strings.EqualFold(strings.TrimSpace(q.Platform), "LANDSAT_ALL") {
		return streamq.Terminal(o.fail(queryKey, domain.ErrUnsupportedProduct))
	}

	resolution, err := o.productResolution(ctx, q.Platform, q.Product)
	if err != nil {
		return streamq.Terminal(o.fail(queryKey, err))
	}

	acquisitions, err := o.cube.ListAcquisitionDates(ctx, q.Platform, q.Product)
	if err != nil {
		return streamq.Terminal(o.fail(queryKey, err))
	}
	if q.SceneIndex < 0 || q.SceneIndex >= len(acquisitions) {
		return streamq.Terminal(o.fail(queryKey, fmt.Errorf("scene index %d out of range (have %d acquisitions)", q.SceneIndex, len(acquisitions))))
	}
	scene := acquisitions[q.SceneIndex]
	baseline := filterMonths(acquisitions[:q.SceneIndex], q.BaselineMonths)

	profile, err := ProfileFor(q.CompositeMethod)
	if err != nil {
		return streamq.Terminal(o.fail(queryKey, err))
	}

	plan, err := BuildPlan(resolution, q.LatitudeMin, q.LatitudeMax, q.LongitudeMin, q.LongitudeMax, baseline, scene, profile)
	if err != nil {
		return streamq.Terminal(o.fail(queryKey, err))
	}

	_, _, _ = o.store.UpdateResult(queryKey, func(r *domain.Result) {
		if r.Status.Terminal() {
			return
		}
		r.TotalChunks = plan.TotalChunks()
		r.ChunksProcessed = 0
		r.Message = ""
	})

	tmpDir := filepath.Join(o.tmpRoot, "anomaly_queries", queryKey)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return streamq.Terminal(o.fail(queryKey, fmt.Errorf("create query tmp dir: %w", err)))
	}
	defer os.RemoveAll(tmpDir)

	cancelled := func(ctx context.Context) bool {
		r, ok, err := o.store.GetResult(queryKey)
		if err != nil {
			return false
		}
		return !ok || r.Status == domain.ResultStatusCancelled
	}

	proc := &ChunkProcessor{
		Cube:      o.cube,
		Platform:  q.Platform,
		Product:   q.Product,
		Profile:   profile,
		TmpDir:    tmpDir,
		Cancelled: cancelled,
	}

	// Submit everything up front; the pool caps actual parallelism.
	futures := make([][]*executor.Future, len(plan.TimeWindows))
	for wi, window := range plan.TimeWindows {
		futures[wi] = make([]*executor.Future, len(plan.GeoChunks))
		for gi, gc := range plan.GeoChunks {
			task := ChunkTask{
				WindowIndex: wi,
				Geo:         gc,
				Window:      window,
				Scene:       plan.Scene,
			}
			futures[wi][gi] = o.pool.Submit(ctx, func(ctx context.Context) (interface{}, error) {
				return proc.Process(ctx, task)
			})
		}
	}

	var mosaicAcc, anomalyAcc *raster.Dataset
	clean := map[time.Time]int{}

	for wi := range plan.TimeWindows {
		results := make([]*ChunkResult, 0, len(plan.GeoChunks))
		for _, fut := range futures[wi] {
			v, err := fut.Get()
			obs.RecordChunk(workerName, err)
			if err != nil {
				return streamq.Terminal(o.fail(queryKey, err))
			}
			cr := v.(*ChunkResult)
			if cr.Cancelled {
				return streamq.Terminal(o.cancel(queryKey))
			}
			results = append(results, cr)
			_, _, _ = o.store.UpdateResult(queryKey, func(r *domain.Result) {
				if r.Status.Terminal() {
					return
				}
				r.ChunksProcessed++
			})
		}
		if cancelled(ctx) {
			return streamq.Terminal(o.cancel(queryKey))
		}

		mosaicW, anomalyW, cleanW, err := MergeWindow(plan, results)
		if err != nil {
			return streamq.Terminal(o.fail(queryKey, err))
		}
		// Windows partition the baseline, so dates never repeat across them.
		for d, c := range cleanW {
			clean[d] = c
		}
		mosaicAcc, err = profile.Composite.Combine(mosaicAcc, mosaicW)
		if err != nil {
			return streamq.Terminal(o.fail(queryKey, err))
		}
		anomalyAcc, err = profile.Composite.Combine(anomalyAcc, anomalyW)
		if err != nil {
			return streamq.Terminal(o.fail(queryKey, err))
		}
	}

	mosaic := profile.Composite.Finalize(mosaicAcc)
	anomaly := profile.Composite.Finalize(anomalyAcc)
	if mosaic == nil || anomaly == nil {
		return streamq.Terminal(o.fail(queryKey, domain.ErrNoOverlap))
	}

	meta := buildMetadata(queryKey, mosaic, clean)

	resultDir := filepath.Join(o.resultRoot, queryKey)
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return streamq.Terminal(o.fail(queryKey, fmt.Errorf("create result dir: %w", err)))
	}

	paths := artifactPaths(resultDir)
	g := new(errgroup.Group)
	g.Go(func() error { return render.WriteMosaicPNG(paths.mosaicPNG, mosaic) })
	g.Go(func() error {
		return render.WriteColorReliefPNG(paths.scenePNG, anomaly, BandSceneNDVI, render.PaletteNDVI)
	})
	g.Go(func() error {
		return render.WriteColorReliefPNG(paths.baselinePNG, anomaly, BandBaselineNDVI, render.PaletteNDVI)
	})
	g.Go(func() error {
		return render.WriteColorReliefPNG(paths.differencePNG, anomaly, BandDifference, render.PaletteDifference)
	})
	g.Go(func() error {
		return render.WriteColorReliefPNG(paths.percentagePNG, anomaly, BandPercentageChange, render.PalettePercentage)
	})
	g.Go(func() error { return raster.WriteFile(paths.data, mosaic) })
	g.Go(func() error { return raster.WriteFile(paths.array, anomaly) })
	g.Go(func() error { return report.WriteMetadataXLSX(paths.report, meta) })
	if err := g.Wait(); err != nil {
		return streamq.Terminal(o.fail(queryKey, err))
	}

	ossKeys := map[string]string{}
	if o.oss.Enabled() {
		for name, p := range paths.all() {
			key, err := o.oss.PutArtifact(queryKey, p)
			if err != nil {
				return streamq.Terminal(o.fail(queryKey, fmt.Errorf("upload artifact %s: %w", name, err)))
			}
			ossKeys[name] = key
		}
	}

	if cancelled(ctx) {
		return streamq.Terminal(o.cancel(queryKey))
	}

	if err := o.store.CreateMetadata(meta); err != nil {
		// a previous attempt may have written it already
		log.Printf("create metadata query=%s: %v", queryKey, err)
	}

	latMin, latMax, lonMin, lonMax := anomaly.Bounds()
	_, _, _ = o.store.UpdateResult(queryKey, func(r *domain.Result) {
		if r.Status.Terminal() {
			return
		}
		r.Status = domain.ResultStatusOK
		r.LatitudeMin = latMin
		r.LatitudeMax = latMax
		r.LongitudeMin = lonMin
		r.LongitudeMax = lonMax
		r.MosaicImagePath = paths.mosaicPNG
		r.SceneNDVIPath = paths.scenePNG
		r.BaselineNDVIPath = paths.baselinePNG
		r.DifferencePath = paths.differencePNG
		r.PercentageChangePath = paths.percentagePNG
		r.DataPath = paths.data
		r.ArrayPath = paths.array
		r.ReportPath = paths.report
		if len(ossKeys) > 0 {
			r.ArtifactOSSKeys = ossKeys
		}
	})
	now := time.Now().UTC()
	_, _, _ = o.store.UpdateQuery(queryKey, func(q *domain.Query) {
		q.Complete = true
		q.CompletedAt = &now
		q.LatitudeMin = latMin
		q.LatitudeMax = latMax
		q.LongitudeMin = lonMin
		q.LongitudeMax = lonMax
	})
	return nil
}

func (o *Orchestrator) productResolution(ctx context.Context, platform, product string) (float64, error) {
	products, err := o.cube.ListProducts(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range products {
		if p.Platform == platform && p.Name == product {
			return p.Resolution, nil
		}
	}
	return 0, fmt.Errorf("product %s/%s not found", platform, product)
}

func filterMonths(dates []time.Time, months []int) []time.Time {
	if len(months) == 0 {
		return append([]time.Time(nil), dates...)
	}
	want := map[int]bool{}
	for _, m := range months {
		want[m] = true
	}
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		if want[int(d.Month())] {
			out = append(out, d)
		}
	}
	return out
}

func buildMetadata(queryKey string, mosaic *raster.Dataset, clean map[time.Time]int) *domain.Metadata {
	latMin, latMax, lonMin, lonMax := mosaic.Bounds()
	pixels := mosaic.PixelCount()

	dates := make([]time.Time, 0, len(clean))
	for d := range clean {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].After(dates[j]) })

	meta := &domain.Metadata{
		QueryKey:     queryKey,
		SceneCount:   len(dates),
		PixelCount:   pixels,
		LatitudeMin:  latMin,
		LatitudeMax:  latMax,
		LongitudeMin: lonMin,
		LongitudeMax: lonMax,
	}
	for _, d := range dates {
		pct := 0.0
		if pixels > 0 {
			pct = 100 * float64(clean[d]) / float64(pixels)
		}
		meta.Acquisitions = append(meta.Acquisitions, domain.AcquisitionStat{
			Date:                 d,
			CleanPixels:          clean[d],
			CleanPixelPercentage: pct,
		})
	}

	// Clean pixels of the final mosaic itself.
	if red, ok := mosaic.Bands[BandRed]; ok {
		n := 0
		for _, v := range red {
			if v != raster.NoData {
				n++
			}
		}
		meta.CleanPixelCount = n
		if pixels > 0 {
			meta.CleanPixelPercentage = 100 * float64(n) / float64(pixels)
		}
	}
	return meta
}

type artifacts struct {
	mosaicPNG     string
	scenePNG      string
	baselinePNG   string
	differencePNG string
	percentagePNG string
	data          string
	array         string
	report        string
}

func artifactPaths(dir string) artifacts {
	return artifacts{
		mosaicPNG:     filepath.Join(dir, "mosaic.png"),
		scenePNG:      filepath.Join(dir, "scene_ndvi.png"),
		baselinePNG:   filepath.Join(dir, "baseline_ndvi.png"),
		differencePNG: filepath.Join(dir, "ndvi_difference.png"),
		percentagePNG: filepath.Join(dir, "ndvi_percentage_change.png"),
		data:          filepath.Join(dir, "mosaic.grid"),
		array:         filepath.Join(dir, "anomaly.grid"),
		report:        filepath.Join(dir, "metadata.xlsx"),
	}
}

func (a artifacts) all() map[string]string {
	return map[string]string{
		"mosaic.png":                 a.mosaicPNG,
		"scene_ndvi.png":             a.scenePNG,
		"baseline_ndvi.png":          a.baselinePNG,
		"ndvi_difference.png":        a.differencePNG,
		"ndvi_percentage_change.png": a.percentagePNG,
		"mosaic.grid":                a.data,
		"anomaly.grid":               a.array,
		"metadata.xlsx":              a.report,
	}
}

// fail marks the result ERROR with a user-facing message unless it is already
// terminal, and passes the original error through.
func (o *Orchestrator) fail(queryKey string, err error) error {
	if strings.TrimSpace(queryKey) == "" {
		return err
	}
	msg := userMessage(err)
	_, _, _ = o.store.UpdateResult(queryKey, func(r *domain.Result) {
		if r.Status.Terminal() {
			return
		}
		r.Status = domain.ResultStatusError
		r.Message = msg
	})
	return err
}

// cancel records the terminal CANCEL status; callers purge temp state via the
// deferred cleanup.
func (o *Orchestrator) cancel(queryKey string) error {
	now := time.Now().UTC()
	_, _, _ = o.store.UpdateResult(queryKey, func(r *domain.Result) {
		if r.Status.Terminal() {
			return
		}
		r.Status = domain.ResultStatusCancelled
		r.CancelledAt = &now
	})
	return nil
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnsupportedProduct):
		return "Combined products are not supported for anomaly calculations."
	case errors.Is(err, domain.ErrInsufficientBaseline):
		return "Insufficient scene count for baseline length."
	case errors.Is(err, domain.ErrNoOverlap):
		return "There is no overlap between the selected scene and your area."
	default:
		return "There was an exception when handling this query."
	}
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return n
}

func readEnvDurationSecondsDefault(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Second
}
