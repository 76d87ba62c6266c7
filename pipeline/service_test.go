package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cubebackend/domain"
	"cubebackend/store"
)

type fakeQueue struct {
	keys    []string
	failing bool
}

func (q *fakeQueue) Enqueue(ctx context.Context, queryKey string) error {
	if q.failing {
		return context.DeadlineExceeded
	}
	q.keys = append(q.keys, queryKey)
	return nil
}

func newTestServer(t *testing.T, st store.RecordStore, q *fakeQueue) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewService(st, q, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func validSubmitBody() map[string]interface{} {
	return map[string]interface{}{
		"platform":        "LANDSAT_7",
		"product":         "ls7_test",
		"latitudeMin":     0.0,
		"latitudeMax":     0.02,
		"longitudeMin":    35.0,
		"longitudeMax":    35.02,
		"sceneIndex":      3,
		"compositeMethod": "median",
	}
}

func postJSON(t *testing.T, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var payload map[string]interface{}
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatal(err)
		}
	}
	return resp, payload
}

func TestSubmitQuery(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	queue := &fakeQueue{}
	srv := newTestServer(t, st, queue)

	resp, payload := postJSON(t, srv.URL+"/anomaly/queries", validSubmitBody())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["status"] != "WAIT" {
		t.Fatalf("payload = %v", payload)
	}
	key, _ := payload["queryKey"].(string)
	if key == "" {
		t.Fatal("no queryKey in response")
	}
	if len(queue.keys) != 1 || queue.keys[0] != key {
		t.Fatalf("enqueued = %v", queue.keys)
	}
	if _, ok, _ := st.GetQuery(key); !ok {
		t.Fatal("query not persisted")
	}
}

func TestSubmitQueryCached(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	queue := &fakeQueue{}
	srv := newTestServer(t, st, queue)

	_, payload := postJSON(t, srv.URL+"/anomaly/queries", validSubmitBody())
	key := payload["queryKey"].(string)

	// A finished result for the same parameters short-circuits resubmission.
	if err := st.CreateResult(&domain.Result{QueryKey: key, Status: domain.ResultStatusOK}); err != nil {
		t.Fatal(err)
	}
	resp, payload := postJSON(t, srv.URL+"/anomaly/queries", validSubmitBody())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["cached"] != true || payload["status"] != "OK" {
		t.Fatalf("payload = %v", payload)
	}
	if len(queue.keys) != 1 {
		t.Fatalf("duplicate submission enqueued again: %v", queue.keys)
	}
}

func TestSubmitQueryValidation(t *testing.T) {
	srv := newTestServer(t, store.NewInMemoryRecordStore(), &fakeQueue{})

	cases := []func(m map[string]interface{}){
		func(m map[string]interface{}) { m["platform"] = "" },
		func(m map[string]interface{}) { m["latitudeMin"] = 1.0; m["latitudeMax"] = 0.0 },
		func(m map[string]interface{}) { m["sceneIndex"] = -1 },
		func(m map[string]interface{}) { m["baselineMonths"] = []int{0} },
		func(m map[string]interface{}) { m["compositeMethod"] = "average" },
	}
	for i, mutate := range cases {
		body := validSubmitBody()
		mutate(body)
		resp, _ := postJSON(t, srv.URL+"/anomaly/queries", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d: status = %d", i, resp.StatusCode)
		}
	}
}

func TestSubmitQueryEnqueueFailure(t *testing.T) {
	srv := newTestServer(t, store.NewInMemoryRecordStore(), &fakeQueue{failing: true})
	resp, _ := postJSON(t, srv.URL+"/anomaly/queries", validSubmitBody())
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestGetQueryStatus(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	srv := newTestServer(t, st, &fakeQueue{})

	_, payload := postJSON(t, srv.URL+"/anomaly/queries", validSubmitBody())
	key := payload["queryKey"].(string)

	resp, err := http.Get(srv.URL + "/anomaly/queries/" + key)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["status"] != "WAIT" || got["platform"] != "LANDSAT_7" {
		t.Fatalf("payload = %v", got)
	}

	resp, err = http.Get(srv.URL + "/anomaly/queries/no-such-key")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestGetQueryStatusError(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	srv := newTestServer(t, st, &fakeQueue{})

	_, payload := postJSON(t, srv.URL+"/anomaly/queries", validSubmitBody())
	key := payload["queryKey"].(string)
	if err := st.CreateResult(&domain.Result{
		QueryKey: key,
		Status:   domain.ResultStatusError,
		Message:  "There was an exception when handling this query.",
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/anomaly/queries/" + key)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["status"] != "ERROR" || got["message"] == "" {
		t.Fatalf("payload = %v", got)
	}
}

func TestCancelQuery(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	srv := newTestServer(t, st, &fakeQueue{})

	_, payload := postJSON(t, srv.URL+"/anomaly/queries", validSubmitBody())
	key := payload["queryKey"].(string)
	if err := st.CreateResult(&domain.Result{QueryKey: key, Status: domain.ResultStatusWaiting}); err != nil {
		t.Fatal(err)
	}

	resp, got := postJSON(t, srv.URL+"/anomaly/queries/"+key+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got["cancelled"] != true {
		t.Fatalf("payload = %v", got)
	}
	res, _, _ := st.GetResult(key)
	if res.Status != domain.ResultStatusCancelled || res.CancelledAt == nil {
		t.Fatalf("result = %+v", res)
	}

	// Cancelling again is idempotent.
	resp, got = postJSON(t, srv.URL+"/anomaly/queries/"+key+"/cancel", nil)
	if resp.StatusCode != http.StatusOK || got["cancelled"] != true {
		t.Fatalf("second cancel: status = %d payload = %v", resp.StatusCode, got)
	}
}

func TestCancelQueryBeforeWorkerStarts(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	srv := newTestServer(t, st, &fakeQueue{})

	_, payload := postJSON(t, srv.URL+"/anomaly/queries", validSubmitBody())
	key := payload["queryKey"].(string)

	// No result record yet: the cancel must pre-create one so the worker
	// sees the terminal status when it finally picks up the message.
	resp, _ := postJSON(t, srv.URL+"/anomaly/queries/"+key+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	res, ok, _ := st.GetResult(key)
	if !ok || res.Status != domain.ResultStatusCancelled {
		t.Fatalf("result = %+v ok = %v", res, ok)
	}
}

func TestCancelFinishedQuery(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	srv := newTestServer(t, st, &fakeQueue{})

	_, payload := postJSON(t, srv.URL+"/anomaly/queries", validSubmitBody())
	key := payload["queryKey"].(string)
	if err := st.CreateResult(&domain.Result{QueryKey: key, Status: domain.ResultStatusOK}); err != nil {
		t.Fatal(err)
	}

	resp, _ := postJSON(t, srv.URL+"/anomaly/queries/"+key+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestDownloadArtifact(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	srv := newTestServer(t, st, &fakeQueue{})

	_, payload := postJSON(t, srv.URL+"/anomaly/queries", validSubmitBody())
	key := payload["queryKey"].(string)

	dir := t.TempDir()
	mosaicPath := filepath.Join(dir, "mosaic.png")
	if err := os.WriteFile(mosaicPath, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateResult(&domain.Result{
		QueryKey:        key,
		Status:          domain.ResultStatusOK,
		MosaicImagePath: mosaicPath,
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/anomaly/queries/" + key + "/download?artifact=mosaic")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %q", ct)
	}

	// Artifact that was never produced.
	resp, err = http.Get(srv.URL + "/anomaly/queries/" + key + "/download?artifact=report")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Unknown artifact name.
	resp, err = http.Get(srv.URL + "/anomaly/queries/" + key + "/download?artifact=bogus")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestDownloadArtifactNotReady(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	srv := newTestServer(t, st, &fakeQueue{})

	_, payload := postJSON(t, srv.URL+"/anomaly/queries", validSubmitBody())
	key := payload["queryKey"].(string)
	if err := st.CreateResult(&domain.Result{QueryKey: key, Status: domain.ResultStatusWaiting}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/anomaly/queries/" + key + "/download")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	now := time.Now().UTC()
	_, _, _ = st.UpdateResult(key, func(r *domain.Result) {
		r.Status = domain.ResultStatusCancelled
		r.CancelledAt = &now
	})
	resp, err = http.Get(srv.URL + "/anomaly/queries/" + key + "/download")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
