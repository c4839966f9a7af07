package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/exports-digital/licensing-api/internal/models"
	"github.com/exports-digital/licensing-api/pkg/export"
)

type exportLicenceReader interface {
	List(ctx context.Context, filter models.LicenceFilter) ([]models.LicenceDetail, int, error)
	ListGoods(ctx context.Context, licenceID string) ([]models.GoodOnLicenceDetail, error)
}

type exportFileStore interface {
	Save(filename string, data []byte) (string, error)
}

// ExportResult points at a generated report file.
type ExportResult struct {
	RelPath  string
	Filename string
	Format   models.ReportFormat
}

// ExportService renders licence register extracts to CSV or PDF and stores
// the result for download.
type ExportService struct {
	licences exportLicenceReader
	storage  exportFileStore
	csv      *export.CSVExporter
	pdf      *export.PDFExporter
	logger   *zap.Logger
}

// NewExportService constructs ExportService.
func NewExportService(licences exportLicenceReader, storage exportFileStore, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		licences: licences,
		storage:  storage,
		csv:      export.NewCSVExporter(),
		pdf:      export.NewPDFExporter(),
		logger:   logger,
	}
}

// Generate builds the dataset for a report job, renders it in the requested
// format and saves the file. Returns where the file landed.
func (s *ExportService) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	var (
		data  export.Dataset
		title string
		err   error
	)
	switch job.Type {
	case models.ReportTypeLicenceRegister:
		title = "Licence register"
		data, err = s.registerDataset(ctx, job.Params)
	case models.ReportTypeLicenceUsage:
		title = "Licence usage"
		data, err = s.usageDataset(ctx, job.Params)
	default:
		return nil, fmt.Errorf("unsupported report type %q", job.Type)
	}
	if err != nil {
		return nil, err
	}

	var rendered []byte
	switch job.Params.Format {
	case models.ReportFormatPDF:
		rendered, err = s.pdf.Render(data, title)
	default:
		rendered, err = s.csv.Render(data)
	}
	if err != nil {
		return nil, fmt.Errorf("render %s report: %w", job.Params.Format, err)
	}

	filename := fmt.Sprintf("%s-%s.%s", job.Type, job.ID, job.Params.Format)
	relPath, err := s.storage.Save(filename, rendered)
	if err != nil {
		return nil, fmt.Errorf("store report file: %w", err)
	}
	return &ExportResult{RelPath: relPath, Filename: filename, Format: job.Params.Format}, nil
}

func (s *ExportService) registerDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, error) {
	licences, err := s.listAll(ctx, params)
	if err != nil {
		return export.Dataset{}, err
	}

	data := export.Dataset{Headers: []string{"Reference", "Case", "Type", "Status", "Start date", "End date", "Synced at"}}
	for _, l := range licences {
		synced := ""
		if l.HMRCSentAt != nil {
			synced = l.HMRCSentAt.Format(time.RFC3339)
		}
		data.Rows = append(data.Rows, map[string]string{
			"Reference":  l.ReferenceCode,
			"Case":       l.CaseReference,
			"Type":       string(l.CaseType),
			"Status":     string(l.Status),
			"Start date": l.StartDate.Format("2006-01-02"),
			"End date":   l.EndDate.Format("2006-01-02"),
			"Synced at":  synced,
		})
	}
	return data, nil
}

func (s *ExportService) usageDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, error) {
	licences, err := s.listAll(ctx, params)
	if err != nil {
		return export.Dataset{}, err
	}

	data := export.Dataset{Headers: []string{"Reference", "Good", "Unit", "Licensed quantity", "Usage", "Value"}}
	for _, l := range licences {
		goods, err := s.licences.ListGoods(ctx, l.ID)
		if err != nil {
			return export.Dataset{}, fmt.Errorf("load goods for licence %s: %w", l.ID, err)
		}
		for _, g := range goods {
			data.Rows = append(data.Rows, map[string]string{
				"Reference":         l.ReferenceCode,
				"Good":              g.GoodName,
				"Unit":              g.GoodUnit,
				"Licensed quantity": strconv.FormatFloat(g.Quantity, 'f', -1, 64),
				"Usage":             strconv.FormatFloat(g.Usage, 'f', -1, 64),
				"Value":             strconv.FormatFloat(g.Value, 'f', -1, 64),
			})
		}
	}
	return data, nil
}

// listAll pages through the licence listing until exhausted.
func (s *ExportService) listAll(ctx context.Context, params models.ReportJobParams) ([]models.LicenceDetail, error) {
	filter := models.LicenceFilter{Reference: params.Reference, Page: 1, PageSize: 500}
	for _, st := range params.Statuses {
		filter.Statuses = append(filter.Statuses, models.LicenceStatus(st))
	}

	var all []models.LicenceDetail
	for {
		page, total, err := s.licences.List(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list licences: %w", err)
		}
		all = append(all, page...)
		if len(all) >= total || len(page) == 0 {
			return all, nil
		}
		filter.Page++
	}
}
