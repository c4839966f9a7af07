package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/exports-digital/licensing-api/internal/hmrc"
	"github.com/exports-digital/licensing-api/internal/models"
	"github.com/exports-digital/licensing-api/pkg/config"
	"github.com/exports-digital/licensing-api/pkg/jobs"
)

type dispatcherLicenceRepository interface {
	FindByID(ctx context.Context, id string) (*models.Licence, error)
	ListGoods(ctx context.Context, licenceID string) ([]models.GoodOnLicenceDetail, error)
	CountGoods(ctx context.Context, licenceID string) (int, error)
	LatestCancelledID(ctx context.Context, caseID string) (string, error)
	SetHMRCSentAt(ctx context.Context, licenceID string, sentAt time.Time) error
}

type dispatcherCaseRepository interface {
	FindByID(ctx context.Context, id string) (*models.Case, error)
	ListParties(ctx context.Context, caseID string) ([]models.Party, error)
	FindOrganisation(ctx context.Context, caseID string) (*models.Organisation, error)
}

type licenceSender interface {
	SendLicence(ctx context.Context, payload hmrc.LicencePayload) (bool, error)
}

// deliveryKey identifies one pending delivery. Scheduling dedupes on it so
// an equivalent delivery is never queued twice.
type deliveryKey struct {
	LicenceID string
	Action    models.HMRCAction
}

// DispatcherService delivers licence status changes to the customs
// integration service with retry and backoff. A delivery that exhausts its
// attempts is rescheduled as a fresh sequence after a cool-down; it is
// never dropped.
type DispatcherService struct {
	licences dispatcherLicenceRepository
	cases    dispatcherCaseRepository
	sender   licenceSender
	cfg      config.HMRCConfig
	logger   *zap.Logger

	queue *jobs.Queue

	mu      sync.Mutex
	pending map[deliveryKey]struct{}
}

// NewDispatcherService constructs DispatcherService and its worker queue.
func NewDispatcherService(licences dispatcherLicenceRepository, cases dispatcherCaseRepository, sender licenceSender, cfg config.HMRCConfig, logger *zap.Logger) *DispatcherService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DispatcherService{
		licences: licences,
		cases:    cases,
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[deliveryKey]struct{}),
	}
	s.queue = jobs.NewQueue("hmrc-dispatch", s.deliver, jobs.QueueConfig{
		Workers:     cfg.Workers,
		MaxRetries:  cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
		OnExhausted: s.rescheduleAfterCoolDown,
		Logger:      logger,
	})
	return s
}

// Start begins delivery workers.
func (s *DispatcherService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the delivery workers.
func (s *DispatcherService) Stop() {
	s.queue.Stop()
}

// Schedule queues one delivery for a licence status change. Statuses that
// are not reported outward and licences with no goods are skipped, and a
// delivery already pending for the same (licence, action) is not queued
// again.
func (s *DispatcherService) Schedule(ctx context.Context, licenceID string, status models.LicenceStatus) error {
	action, ok := models.HMRCActionFor(status)
	if !ok {
		return nil
	}
	if !s.cfg.Enabled {
		s.logger.Sugar().Infow("hmrc integration disabled, skipping delivery", "licence_id", licenceID, "action", action)
		return nil
	}
	if action == models.HMRCActionInsert {
		count, err := s.licences.CountGoods(ctx, licenceID)
		if err != nil {
			return fmt.Errorf("count licence goods: %w", err)
		}
		if count == 0 {
			s.logger.Sugar().Infow("licence has no goods, skipping delivery", "licence_id", licenceID)
			return nil
		}
	}

	key := deliveryKey{LicenceID: licenceID, Action: action}
	s.mu.Lock()
	if _, exists := s.pending[key]; exists {
		s.mu.Unlock()
		return nil
	}
	s.pending[key] = struct{}{}
	s.mu.Unlock()

	if err := s.queue.Enqueue(jobs.Job{ID: licenceID + ":" + string(action), Type: "hmrc-delivery", Payload: key}); err != nil {
		s.release(key)
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

func (s *DispatcherService) deliver(ctx context.Context, job jobs.Job) error {
	key, ok := job.Payload.(deliveryKey)
	if !ok {
		s.logger.Sugar().Errorw("unexpected delivery payload", "job_id", job.ID)
		return nil
	}

	payload, err := s.buildPayload(ctx, key)
	if err != nil {
		return err
	}
	created, err := s.sender.SendLicence(ctx, *payload)
	if err != nil {
		return err
	}
	if created {
		if err := s.licences.SetHMRCSentAt(ctx, key.LicenceID, time.Now().UTC()); err != nil {
			s.logger.Sugar().Errorw("failed to stamp sent-at", "licence_id", key.LicenceID, "error", err)
		}
	}
	s.release(key)
	return nil
}

// rescheduleAfterCoolDown requeues an exhausted delivery as a brand-new
// attempt sequence once the cool-down has passed. The pending key stays
// held so nothing schedules a duplicate in the meantime.
func (s *DispatcherService) rescheduleAfterCoolDown(job jobs.Job) {
	key, ok := job.Payload.(deliveryKey)
	if !ok {
		return
	}
	s.logger.Sugar().Warnw("delivery attempts exhausted, rescheduling after cool-down",
		"licence_id", key.LicenceID, "action", key.Action, "cool_down", s.cfg.CoolDown)
	time.AfterFunc(s.cfg.CoolDown, func() {
		fresh := jobs.Job{ID: job.ID, Type: job.Type, Payload: key}
		if err := s.queue.Enqueue(fresh); err != nil {
			s.logger.Sugar().Errorw("failed to reschedule delivery", "licence_id", key.LicenceID, "action", key.Action, "error", err)
		}
	})
}

func (s *DispatcherService) buildPayload(ctx context.Context, key deliveryKey) (*hmrc.LicencePayload, error) {
	licence, err := s.licences.FindByID(ctx, key.LicenceID)
	if err != nil {
		return nil, fmt.Errorf("load licence %s: %w", key.LicenceID, err)
	}
	cs, err := s.cases.FindByID(ctx, licence.CaseID)
	if err != nil {
		return nil, fmt.Errorf("load case %s: %w", licence.CaseID, err)
	}
	org, err := s.cases.FindOrganisation(ctx, licence.CaseID)
	if err != nil {
		return nil, fmt.Errorf("load organisation for case %s: %w", licence.CaseID, err)
	}
	goods, err := s.licences.ListGoods(ctx, key.LicenceID)
	if err != nil {
		return nil, fmt.Errorf("load licence goods: %w", err)
	}
	parties, err := s.cases.ListParties(ctx, licence.CaseID)
	if err != nil {
		return nil, fmt.Errorf("load case parties: %w", err)
	}

	payload := &hmrc.LicencePayload{
		ID:        licence.ID,
		Reference: licence.ReferenceCode,
		Type:      string(cs.CaseType),
		Action:    string(key.Action),
		StartDate: licence.StartDate.Format("2006-01-02"),
		EndDate:   licence.EndDate.Format("2006-01-02"),
		Organisation: hmrc.Organisation{
			ID:   org.ID,
			Name: org.Name,
			Address: hmrc.Address{
				Line1:    org.AddressLine,
				Line2:    org.City,
				Line3:    org.Region,
				Postcode: org.Postcode,
				Country:  hmrc.Country{ID: org.CountryID, Name: org.CountryName},
			},
			EORINumber: org.EORINumber,
		},
	}

	// An update references the licence it supersedes.
	if key.Action == models.HMRCActionUpdate {
		oldID, err := s.licences.LatestCancelledID(ctx, licence.CaseID)
		if err != nil {
			return nil, fmt.Errorf("load superseded licence: %w", err)
		}
		payload.OldID = oldID
	}

	for _, party := range parties {
		if party.Type != models.PartyTypeEndUser {
			continue
		}
		payload.EndUser = &hmrc.EndUser{
			Name: party.Name,
			Address: hmrc.Address{
				Line1:   party.Address,
				Country: hmrc.Country{ID: party.CountryID, Name: party.CountryName},
			},
		}
		break
	}

	// Goods keep their issuance order; the customs system quotes it back
	// as the line number in usage reports.
	payload.Goods = make([]hmrc.Good, 0, len(goods))
	for _, g := range goods {
		payload.Goods = append(payload.Goods, hmrc.Good{
			ID:          g.GoodID,
			Usage:       g.Usage,
			Name:        g.GoodName,
			Description: g.GoodDescription,
			Unit:        g.GoodUnit,
			Quantity:    g.Quantity,
			Value:       g.Value,
		})
	}
	return payload, nil
}

func (s *DispatcherService) release(key deliveryKey) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}
