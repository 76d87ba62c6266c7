// Package report exports the run metadata as a spreadsheet for download.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"cubebackend/domain"
)

// WriteMetadataXLSX writes a two-sheet workbook: a summary sheet with the
// query totals and extent, and an acquisition sheet listing per-date clean
// pixel statistics most-recent-first.
func WriteMetadataXLSX(outPath string, meta *domain.Metadata) error {
	if strings.TrimSpace(outPath) == "" {
		return errors.New("output path is empty")
	}
	if meta == nil {
		return errors.New("metadata is nil")
	}

	f := excelize.NewFile()
	defSheet := f.GetSheetName(0)
	if defSheet == "" {
		defSheet = "Sheet1"
	}
	_ = f.SetSheetName(defSheet, "Summary")
	f.NewSheet("Acquisitions")
	f.SetActiveSheet(0)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	})

	summary := [][]interface{}{
		{"Query key", meta.QueryKey},
		{"Scene count", meta.SceneCount},
		{"Pixel count", meta.PixelCount},
		{"Clean pixel count", meta.CleanPixelCount},
		{"Clean pixel percentage", meta.CleanPixelPercentage},
		{"Latitude min", meta.LatitudeMin},
		{"Latitude max", meta.LatitudeMax},
		{"Longitude min", meta.LongitudeMin},
		{"Longitude max", meta.LongitudeMax},
	}
	for i, row := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Summary", cell, &row); err != nil {
			return err
		}
	}
	_ = f.SetCellStyle("Summary", "A1", fmt.Sprintf("A%d", len(summary)), headerStyle)

	header := []interface{}{"Date", "Clean pixels", "Clean pixel percentage"}
	if err := f.SetSheetRow("Acquisitions", "A1", &header); err != nil {
		return err
	}
	_ = f.SetCellStyle("Acquisitions", "A1", "C1", headerStyle)
	for i, a := range meta.Acquisitions {
		row := []interface{}{
			a.Date.UTC().Format("2006-01-02"),
			a.CleanPixels,
			a.CleanPixelPercentage,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow("Acquisitions", cell, &row); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return f.SaveAs(outPath)
}
