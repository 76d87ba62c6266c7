package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cubebackend/domain"
	"cubebackend/ossstore"
	"cubebackend/store"
	"cubebackend/streamq"
)

type Service struct {
	store store.RecordStore
	queue streamq.QueryQueue
	oss   *ossstore.Store
}

func NewService(st store.RecordStore, q streamq.QueryQueue, oss *ossstore.Store) *Service {
	return &Service{
		store: st,
		queue: q,
		oss:   oss,
	}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/anomaly/queries", s.handleSubmitQuery)
	mux.HandleFunc("/anomaly/queries/", s.handleQueryRoutes)
}

type submitRequest struct {
	Platform        string  `json:"platform"`
	Product         string  `json:"product"`
	LatitudeMin     float64 `json:"latitudeMin"`
	LatitudeMax     float64 `json:"latitudeMax"`
	LongitudeMin    float64 `json:"longitudeMin"`
	LongitudeMax    float64 `json:"longitudeMax"`
	SceneIndex      int     `json:"sceneIndex"`
	BaselineMonths  []int   `json:"baselineMonths"`
	CompositeMethod string  `json:"compositeMethod"`
}

func (req *submitRequest) validate() error {
	if strings.TrimSpace(req.Platform) == "" || strings.TrimSpace(req.Product) == "" {
		return errors.New("platform and product are required")
	}
	if req.LatitudeMin >= req.LatitudeMax {
		return errors.New("latitudeMin must be less than latitudeMax")
	}
	if req.LongitudeMin >= req.LongitudeMax {
		return errors.New("longitudeMin must be less than longitudeMax")
	}
	if req.SceneIndex < 0 {
		return errors.New("sceneIndex must be non-negative")
	}
	for _, m := range req.BaselineMonths {
		if m < 1 || m > 12 {
			return errors.New("baselineMonths values must be 1-12")
		}
	}
	if _, err := ProfileFor(req.CompositeMethod); err != nil {
		return err
	}
	return nil
}

func (s *Service) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	q := &domain.Query{
		CreatedAt:       time.Now().UTC(),
		Platform:        strings.TrimSpace(req.Platform),
		Product:         strings.TrimSpace(req.Product),
		LatitudeMin:     req.LatitudeMin,
		LatitudeMax:     req.LatitudeMax,
		LongitudeMin:    req.LongitudeMin,
		LongitudeMax:    req.LongitudeMax,
		SceneIndex:      req.SceneIndex,
		BaselineMonths:  append([]int(nil), req.BaselineMonths...),
		CompositeMethod: strings.TrimSpace(req.CompositeMethod),
	}
	q.Key = q.GenerateKey()

	// Identical parameters map to the same key; if a result already exists the
	// earlier run (finished or in flight) answers this submission too.
	if res, ok, err := s.store.GetResult(q.Key); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	} else if ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"queryKey": q.Key,
			"status":   string(res.Status),
			"cached":   true,
		})
		return
	}

	// SetNX create: re-submitting an existing key is fine.
	if err := s.store.CreateQuery(q); err != nil {
		if _, ok, getErr := s.store.GetQuery(q.Key); getErr != nil || !ok {
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
	}

	if s.queue != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.queue.Enqueue(ctx, q.Key); err != nil {
			http.Error(w, "failed to enqueue query", http.StatusBadGateway)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queryKey": q.Key,
		"status":   string(domain.ResultStatusWaiting),
	})
}

func (s *Service) handleQueryRoutes(w http.ResponseWriter, r *http.Request) {
	// /anomaly/queries/{queryKey}
	// /anomaly/queries/{queryKey}/cancel
	// /anomaly/queries/{queryKey}/download
	path := strings.TrimPrefix(r.URL.Path, "/anomaly/queries/")
	path = strings.Trim(path, "/")
	if path == "" {
		http.Error(w, "queryKey required", http.StatusBadRequest)
		return
	}
	parts := strings.Split(path, "/")
	queryKey := parts[0]
	if queryKey == "" {
		http.Error(w, "queryKey required", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleGetQuery(w, r, queryKey)
		return
	}

	if len(parts) == 2 && parts[1] == "cancel" {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleCancelQuery(w, r, queryKey)
		return
	}

	if len(parts) == 2 && parts[1] == "download" {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleDownloadArtifact(w, r, queryKey)
		return
	}

	http.NotFound(w, r)
}

func (s *Service) handleGetQuery(w http.ResponseWriter, r *http.Request, queryKey string) {
	q, ok, err := s.store.GetQuery(queryKey)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	resp := map[string]interface{}{
		"queryKey":  q.Key,
		"createdAt": q.CreatedAt,
		"platform":  q.Platform,
		"product":   q.Product,
		"complete":  q.Complete,
	}

	res, ok, err := s.store.GetResult(queryKey)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		resp["status"] = string(domain.ResultStatusWaiting)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp["status"] = string(res.Status)
	resp["totalChunks"] = res.TotalChunks
	resp["chunksProcessed"] = res.ChunksProcessed
	if res.Status == domain.ResultStatusError && res.Message != "" {
		resp["message"] = res.Message
	}
	if res.CancelledAt != nil {
		resp["cancelledAt"] = res.CancelledAt
	}
	if res.Status == domain.ResultStatusOK {
		resp["latitudeMin"] = res.LatitudeMin
		resp["latitudeMax"] = res.LatitudeMax
		resp["longitudeMin"] = res.LongitudeMin
		resp["longitudeMax"] = res.LongitudeMax
		resp["artifacts"] = artifactNames()
		if meta, ok, err := s.store.GetMetadata(queryKey); err == nil && ok {
			resp["metadata"] = meta
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleCancelQuery(w http.ResponseWriter, r *http.Request, queryKey string) {
	_, ok, err := s.store.GetQuery(queryKey)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	res, ok, err := s.store.GetResult(queryKey)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	now := time.Now().UTC()
	if !ok {
		// Worker hasn't started yet; a pre-created CANCEL result makes it bail
		// out immediately.
		cancelledResult := &domain.Result{
			QueryKey:    queryKey,
			Status:      domain.ResultStatusCancelled,
			CreatedAt:   now,
			CancelledAt: &now,
		}
		if err := s.store.CreateResult(cancelledResult); err != nil {
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"queryKey":  queryKey,
			"status":    string(domain.ResultStatusCancelled),
			"cancelled": true,
		})
		return
	}

	// Idempotent: already cancelled.
	if res.Status == domain.ResultStatusCancelled {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"queryKey":  queryKey,
			"status":    string(res.Status),
			"cancelled": true,
		})
		return
	}
	if res.Status.Terminal() {
		http.Error(w, "query already finished", http.StatusConflict)
		return
	}

	updated, _, _ := s.store.UpdateResult(queryKey, func(r *domain.Result) {
		if r.Status.Terminal() {
			return
		}
		r.Status = domain.ResultStatusCancelled
		r.CancelledAt = &now
	})
	status := domain.ResultStatusCancelled
	if updated != nil {
		status = updated.Status
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queryKey":  queryKey,
		"status":    string(status),
		"cancelled": status == domain.ResultStatusCancelled,
	})
}

func artifactNames() []string {
	return []string{
		"mosaic", "scene_ndvi", "baseline_ndvi", "ndvi_difference",
		"ndvi_percentage_change", "data", "array", "report",
	}
}

func artifactLocation(res *domain.Result, artifact string) (localPath, ossName, filename string) {
	switch artifact {
	case "mosaic":
		return res.MosaicImagePath, "mosaic.png", "mosaic.png"
	case "scene_ndvi":
		return res.SceneNDVIPath, "scene_ndvi.png", "scene_ndvi.png"
	case "baseline_ndvi":
		return res.BaselineNDVIPath, "baseline_ndvi.png", "baseline_ndvi.png"
	case "ndvi_difference":
		return res.DifferencePath, "ndvi_difference.png", "ndvi_difference.png"
	case "ndvi_percentage_change":
		return res.PercentageChangePath, "ndvi_percentage_change.png", "ndvi_percentage_change.png"
	case "data":
		return res.DataPath, "mosaic.grid", "mosaic.grid"
	case "array":
		return res.ArrayPath, "anomaly.grid", "anomaly.grid"
	case "report":
		return res.ReportPath, "metadata.xlsx", "metadata.xlsx"
	default:
		return "", "", ""
	}
}

func (s *Service) handleDownloadArtifact(w http.ResponseWriter, r *http.Request, queryKey string) {
	res, ok, err := s.store.GetResult(queryKey)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if res.Status == domain.ResultStatusCancelled {
		http.Error(w, "query was cancelled", http.StatusGone)
		return
	}
	if res.Status != domain.ResultStatusOK {
		http.Error(w, "result not ready", http.StatusConflict)
		return
	}

	artifact := strings.TrimSpace(r.URL.Query().Get("artifact"))
	if artifact == "" {
		artifact = "mosaic"
	}
	localPath, ossName, filename := artifactLocation(res, artifact)
	if filename == "" {
		http.Error(w, "unknown artifact", http.StatusBadRequest)
		return
	}

	// Prefer OSS signed URL when available (cross-pod safe).
	if s.oss.Enabled() {
		if key, ok := res.ArtifactOSSKeys[ossName]; ok && key != "" {
			signed, err := s.oss.SignDownloadURL(key, filename)
			if err != nil {
				http.Error(w, "failed to sign download url", http.StatusBadGateway)
				return
			}
			if wantsJSON(r) {
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"url":      signed,
					"filename": filename,
				})
				return
			}
			http.Redirect(w, r, signed, http.StatusFound)
			return
		}
	}

	// Fallback: local filesystem
	if localPath == "" {
		http.Error(w, "artifact not available", http.StatusGone)
		return
	}
	if _, err := os.Stat(localPath); err != nil {
		http.Error(w, "artifact not available", http.StatusGone)
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"url":      r.URL.Path + "?artifact=" + artifact,
			"filename": filename,
		})
		return
	}
	w.Header().Set("Content-Type", ossstore.ContentTypeFor(filename))
	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(filename))
	http.ServeFile(w, r, localPath)
}

func wantsJSON(r *http.Request) bool {
	if r == nil {
		return false
	}
	q := r.URL.Query()
	if strings.EqualFold(strings.TrimSpace(q.Get("format")), "json") {
		return true
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	return strings.Contains(accept, "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
