package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/domain"
	"crosspost/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// Reporter writes performance snapshots of live postings to Excel so
// operators can eyeball per-platform traction without touching the DB.
type Reporter struct {
	postings domain.PostedAdStore
	cfg      config.ExportConfig
	logger   zerolog.Logger
}

func NewReporter(postings domain.PostedAdStore, cfg config.ExportConfig, logger *zerolog.Logger) *Reporter {
	return &Reporter{
		postings: postings,
		cfg:      cfg,
		logger:   logger.With().Str("component", "export").Logger(),
	}
}

// WriteReport renders the current posting state into an xlsx file and
// returns its path.
func (r *Reporter) WriteReport(ctx context.Context) (string, error) {
	if err := os.MkdirAll(r.cfg.Path, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	postings, err := r.postings.GetActive(ctx)
	if err != nil {
		return "", fmt.Errorf("error getting postings: %v", err)
	}

	counts, err := r.postings.CountByStatus(ctx)
	if err != nil {
		return "", fmt.Errorf("error getting status counts: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Постинги"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	headers := []string{"Ad ID", "Platform", "External ID", "URL", "Status", "Views", "Clicks", "Leads", "Posted At"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, header)
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	lastHeader, _ := excelize.CoordinatesToCellName(len(headers), 1)
	_ = f.SetCellStyle(sheetName, "A1", lastHeader, headerStyle)

	for i, p := range postings {
		row := i + 2
		values := []any{
			p.AdID,
			p.Platform,
			p.ExternalID,
			p.PostURL,
			p.Status,
			p.Views,
			p.Clicks,
			p.Leads,
			p.PostedAt.Format("02.01.2006 15:04"),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheetName, cell, v)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 25)
	_ = f.SetColWidth(sheetName, "B", "I", 16)

	r.writeSummary(f, counts)

	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("postings_%s.xlsx", time.Now().Format("2006-01-02_150405"))
	filePath := filepath.Join(r.cfg.Path, fileName)

	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	r.logger.Info().Str("file_path", filePath).Int("postings", len(postings)).Msg("Excel report created")
	return filePath, nil
}

func (r *Reporter) writeSummary(f *excelize.File, counts map[string]int64) {
	sheetName := "Сводка"
	if _, err := f.NewSheet(sheetName); err != nil {
		return
	}

	_ = f.SetCellValue(sheetName, "A1", "Status")
	_ = f.SetCellValue(sheetName, "B1", "Count")

	// Фиксированный порядок строк, чтобы отчёты были сравнимы.
	row := 2
	for _, status := range []string{
		models.PostedStatusPending,
		models.PostedStatusActive,
		models.PostedStatusRenewing,
		models.PostedStatusExpired,
		models.PostedStatusRemoved,
		models.PostedStatusFlagged,
		models.PostedStatusFailed,
	} {
		count, ok := counts[status]
		if !ok {
			continue
		}
		cellA, _ := excelize.CoordinatesToCellName(1, row)
		cellB, _ := excelize.CoordinatesToCellName(2, row)
		_ = f.SetCellValue(sheetName, cellA, status)
		_ = f.SetCellValue(sheetName, cellB, count)
		row++
	}
	_ = f.SetColWidth(sheetName, "A", "B", 14)
}
