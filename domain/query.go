package domain

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

type ResultStatus string

const (
	ResultStatusWaiting   ResultStatus = "WAIT"
	ResultStatusOK        ResultStatus = "OK"
	ResultStatusError     ResultStatus = "ERROR"
	ResultStatusCancelled ResultStatus = "CANCEL"
)

// Terminal reports whether the status may never change again.
func (s ResultStatus) Terminal() bool {
	return s == ResultStatusOK || s == ResultStatusError || s == ResultStatusCancelled
}

// Query holds the immutable parameters of an anomaly request. The key is a
// pure function of the fields below; identical submissions map to the same
// key and therefore to the same Result.
type Query struct {
	Key       string    `json:"queryKey"`
	CreatedAt time.Time `json:"createdAt"`

	Platform string `json:"platform"`
	Product  string `json:"product"`

	LatitudeMin  float64 `json:"latitudeMin"`
	LatitudeMax  float64 `json:"latitudeMax"`
	LongitudeMin float64 `json:"longitudeMin"`
	LongitudeMax float64 `json:"longitudeMax"`

	// SceneIndex is the index of the scene of interest in the platform/product
	// acquisition list; everything before it is baseline candidate material.
	SceneIndex int `json:"sceneIndex"`
	// BaselineMonths filters baseline acquisitions by calendar month (1-12).
	BaselineMonths []int `json:"baselineMonths"`

	// CompositeMethod names the baseline compositing strategy ("median" or
	// "most_recent").
	CompositeMethod string `json:"compositeMethod"`

	Complete    bool       `json:"complete"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// GenerateKey builds the deterministic composite key for this query.
// Months are sorted so that submission order doesn't change the key.
func (q *Query) GenerateKey() string {
	months := append([]int(nil), q.BaselineMonths...)
	sort.Ints(months)
	parts := make([]string, 0, len(months)+8)
	parts = append(parts,
		strconv.Itoa(q.SceneIndex),
		formatCoord(q.LatitudeMax),
		formatCoord(q.LatitudeMin),
		formatCoord(q.LongitudeMax),
		formatCoord(q.LongitudeMin),
		strings.TrimSpace(q.CompositeMethod),
		strings.TrimSpace(q.Platform),
		strings.TrimSpace(q.Product),
	)
	for _, m := range months {
		parts = append(parts, strconv.Itoa(m))
	}
	return strings.Join(parts, "-")
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// Result is the mutable scratchpad for one query: progress while the pipeline
// runs, output locations once it is done. Message doubles as the error channel
// when Status is ERROR.
type Result struct {
	QueryKey  string       `json:"queryKey"`
	Status    ResultStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`

	TotalChunks     int `json:"totalChunks"`
	ChunksProcessed int `json:"chunksProcessed"`

	// Actual data extent; set from the merged dataset, which may be smaller
	// than the requested bounds.
	LatitudeMin  float64 `json:"latitudeMin"`
	LatitudeMax  float64 `json:"latitudeMax"`
	LongitudeMin float64 `json:"longitudeMin"`
	LongitudeMax float64 `json:"longitudeMax"`

	Message string `json:"message,omitempty"`

	// Local result paths (under RESULT_ROOT).
	MosaicImagePath      string `json:"mosaicImagePath,omitempty"`
	SceneNDVIPath        string `json:"sceneNdviPath,omitempty"`
	BaselineNDVIPath     string `json:"baselineNdviPath,omitempty"`
	DifferencePath       string `json:"differencePath,omitempty"`
	PercentageChangePath string `json:"percentageChangePath,omitempty"`
	DataPath             string `json:"dataPath,omitempty"`
	ArrayPath            string `json:"arrayPath,omitempty"`
	ReportPath           string `json:"reportPath,omitempty"`

	// OSS object keys mirroring the artifacts above, set when the artifact
	// store is enabled.
	ArtifactOSSKeys map[string]string `json:"artifactOssKeys,omitempty"`

	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// AcquisitionStat is one acquisition's contribution to the metadata listing.
type AcquisitionStat struct {
	Date                 time.Time `json:"date"`
	CleanPixels          int       `json:"cleanPixels"`
	CleanPixelPercentage float64   `json:"cleanPixelPercentage"`
}

// Metadata is written once at the end of a successful run and never mutated.
// Acquisitions are listed most-recent-first.
type Metadata struct {
	QueryKey string `json:"queryKey"`

	SceneCount int `json:"sceneCount"`
	PixelCount int `json:"pixelCount"`

	LatitudeMin  float64 `json:"latitudeMin"`
	LatitudeMax  float64 `json:"latitudeMax"`
	LongitudeMin float64 `json:"longitudeMin"`
	LongitudeMax float64 `json:"longitudeMax"`

	Acquisitions []AcquisitionStat `json:"acquisitions"`

	CleanPixelCount      int     `json:"cleanPixelCount"`
	CleanPixelPercentage float64 `json:"cleanPixelPercentage"`
}
