package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/exports-digital/licensing-api/internal/models"
)

// Notifier delivers applicant-facing notifications. Delivery is
// fire-and-forget: a failed notification never rolls back the state change
// that triggered it.
type Notifier interface {
	CaseFinalised(ctx context.Context, cs *models.Case, outcome string, licenceRef string)
	LicenceStatusChanged(ctx context.Context, cs *models.Case, licence *models.Licence)
}

// LogNotifier writes notifications to the log. The real email channel is an
// external collaborator behind the same interface.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// CaseFinalised notifies the applicant of a finalisation outcome.
func (n *LogNotifier) CaseFinalised(_ context.Context, cs *models.Case, outcome string, licenceRef string) {
	n.logger.Sugar().Infow("notify applicant of finalisation",
		"case_id", cs.ID, "email", cs.SubmittedByEmail, "outcome", outcome, "licence_reference", licenceRef)
}

// LicenceStatusChanged notifies the applicant of a licence status change.
func (n *LogNotifier) LicenceStatusChanged(_ context.Context, cs *models.Case, licence *models.Licence) {
	n.logger.Sugar().Infow("notify applicant of licence status change",
		"case_id", cs.ID, "email", cs.SubmittedByEmail, "licence_id", licence.ID, "status", licence.Status)
}
