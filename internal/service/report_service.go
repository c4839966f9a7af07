package service

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/exports-digital/licensing-api/internal/models"
	"github.com/exports-digital/licensing-api/internal/repository"
	"github.com/exports-digital/licensing-api/pkg/config"
	appErrors "github.com/exports-digital/licensing-api/pkg/errors"
	"github.com/exports-digital/licensing-api/pkg/jobs"
)

const downloadURLPrefix = "/api/reports/download?token="

type reportJobStore interface {
	Create(ctx context.Context, job *models.ReportJob) error
	GetByID(ctx context.Context, id string) (*models.ReportJob, error)
	Update(ctx context.Context, id string, params repository.UpdateReportJobParams) error
	ListQueued(ctx context.Context, limit int) ([]models.ReportJob, error)
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ReportJob, error)
}

type reportGenerator interface {
	Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error)
}

type reportSigner interface {
	Generate(jobID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error)
}

type reportFileStore interface {
	Open(filename string) (*os.File, error)
	Delete(filename string) error
}

// CreateReportRequest asks for an asynchronous licence report.
type CreateReportRequest struct {
	Type      models.ReportType   `json:"type" validate:"required,oneof=licence_register licence_usage"`
	Format    models.ReportFormat `json:"format" validate:"required,oneof=csv pdf"`
	Statuses  []string            `json:"statuses,omitempty"`
	Reference string              `json:"reference,omitempty"`
}

// ReportDownload is a resolved signed-URL download.
type ReportDownload struct {
	File     *os.File
	Filename string
	Format   models.ReportFormat
}

// ReportService runs licence report generation on a worker queue and hands
// results out through signed download tokens.
type ReportService struct {
	repo      reportJobStore
	generator reportGenerator
	signer    reportSigner
	files     reportFileStore
	retention time.Duration
	validator *validator.Validate
	logger    *zap.Logger

	queue *jobs.Queue
}

// NewReportService constructs ReportService and its worker queue.
func NewReportService(repo reportJobStore, generator reportGenerator, signer reportSigner, files reportFileStore, cfg config.ReportsConfig, validate *validator.Validate, logger *zap.Logger) *ReportService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	retention := cfg.SignedURLTTL
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	s := &ReportService{repo: repo, generator: generator, signer: signer, files: files, retention: retention, validator: validate, logger: logger}
	s.queue = jobs.NewQueue("reports", s.process, jobs.QueueConfig{
		Workers:    cfg.WorkerConcurrency,
		MaxRetries: cfg.WorkerRetries,
		Logger:     logger,
	})
	return s
}

// Start begins report workers, requeues jobs left queued by a previous
// run and starts the retention sweep.
func (s *ReportService) Start(ctx context.Context) {
	s.queue.Start(ctx)
	queued, err := s.repo.ListQueued(ctx, 100)
	if err != nil {
		s.logger.Sugar().Errorw("failed to recover queued reports", "error", err)
	}
	for _, job := range queued {
		if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: "report", Payload: job.ID}); err != nil {
			s.logger.Sugar().Errorw("failed to requeue report", "job_id", job.ID, "error", err)
		}
	}
	go s.retentionLoop(ctx)
}

func (s *ReportService) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.CleanupExpired(ctx)
			if err != nil {
				s.logger.Sugar().Errorw("report retention sweep failed", "error", err)
			} else if removed > 0 {
				s.logger.Sugar().Infow("expired report files removed", "count", removed)
			}
		}
	}
}

// Stop drains the report workers.
func (s *ReportService) Stop() {
	s.queue.Stop()
}

// CreateJob persists a report job and queues its generation.
func (s *ReportService) CreateJob(ctx context.Context, actor Actor, req CreateReportRequest) (*models.ReportJob, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid report request")
	}
	job := &models.ReportJob{
		Type:      req.Type,
		Params:    models.ReportJobParams{Statuses: req.Statuses, Reference: req.Reference, Format: req.Format},
		Status:    models.ReportStatusQueued,
		CreatedBy: actor.ID,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create report job")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: "report", Payload: job.ID}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to queue report job")
	}
	return job, nil
}

// Get returns a report job with a fresh download token when finished.
func (s *ReportService) Get(ctx context.Context, id string) (*models.ReportJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "report job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load report job")
	}
	return job, nil
}

// CleanupExpired deletes report files whose download tokens can no
// longer be valid and marks their jobs expired so they are not swept
// again. The signed token embedded in the result URL locates the file.
func (s *ReportService) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	expired, err := s.repo.ListFinishedBefore(ctx, cutoff, 50)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list expired reports")
	}

	removed := 0
	status := models.ReportStatusExpired
	for _, job := range expired {
		if job.ResultURL != nil {
			token := strings.TrimPrefix(*job.ResultURL, downloadURLPrefix)
			if _, relPath, _, err := s.signer.Parse(token, true); err == nil {
				if err := s.files.Delete(relPath); err != nil {
					s.logger.Sugar().Warnw("failed to delete expired report file", "job_id", job.ID, "error", err)
					continue
				}
			}
		}
		if err := s.repo.Update(ctx, job.ID, repository.UpdateReportJobParams{Status: &status}); err != nil {
			s.logger.Sugar().Warnw("failed to mark report expired", "job_id", job.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Download resolves a signed token into an open file handle.
func (s *ReportService) Download(ctx context.Context, token string) (*ReportDownload, error) {
	jobID, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "report job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load report job")
	}
	if job.Status != models.ReportStatusFinished {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "report is not finished")
	}
	file, err := s.files.Open(relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open report file")
	}
	return &ReportDownload{File: file, Filename: relPath, Format: job.Params.Format}, nil
}

func (s *ReportService) process(ctx context.Context, queued jobs.Job) error {
	jobID, ok := queued.Payload.(string)
	if !ok {
		return nil
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.ReportStatusFinished {
		return nil
	}

	processing := models.ReportStatusProcessing
	if err := s.repo.Update(ctx, job.ID, repository.UpdateReportJobParams{Status: &processing}); err != nil {
		return err
	}

	result, err := s.generator.Generate(ctx, job)
	if err != nil {
		failed := models.ReportStatusFailed
		message := err.Error()
		if updateErr := s.repo.Update(ctx, job.ID, repository.UpdateReportJobParams{Status: &failed, ErrorMessage: &message}); updateErr != nil {
			s.logger.Sugar().Errorw("failed to mark report failed", "job_id", job.ID, "error", updateErr)
		}
		return err
	}

	token, _, err := s.signer.Generate(job.ID, result.RelPath)
	if err != nil {
		return err
	}
	finished := models.ReportStatusFinished
	progress := 100
	now := time.Now().UTC()
	url := downloadURLPrefix + token
	return s.repo.Update(ctx, job.ID, repository.UpdateReportJobParams{
		Status:     &finished,
		Progress:   &progress,
		ResultURL:  &url,
		FinishedAt: &now,
	})
}
