package employee

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brighthome/dispatch/bus"
	"github.com/brighthome/dispatch/cache"
	"github.com/brighthome/dispatch/errors"
	"github.com/brighthome/dispatch/logger"
	"github.com/brighthome/dispatch/region"
)

// Service wraps the store with the status cache write-through and the
// online/offline actions the cleaner app drives.
type Service struct {
	store *Store
	idgen *IDGenerator
	cache cache.Cache
	bus   *bus.Bus
	log   *zap.SugaredLogger
}

// NewService wires the employee service.
func NewService(store *Store, idgen *IDGenerator, c cache.Cache, b *bus.Bus) *Service {
	return &Service{
		store: store,
		idgen: idgen,
		cache: c,
		bus:   b,
		log:   logger.ComponentLogger("employee"),
	}
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() *Store {
	return s.store
}

// Hire creates a new active cleaner with a generated employee id.
// New hires start offline; they go available when they come online.
func (s *Service) Hire(ctx context.Context, phoneNumber, fullName string, regionCode region.Code) (*Employee, error) {
	if !region.Valid(regionCode) {
		return nil, errors.NewBadRequestError("unknown region code %q", regionCode)
	}

	employeeID, err := s.idgen.Next(ctx, regionCode, time.Now())
	if err != nil {
		return nil, errors.Wrap(err, "generate employee id")
	}

	e := &Employee{
		ID:                uuid.NewString(),
		EmployeeID:        employeeID,
		PhoneNumber:       phoneNumber,
		FullName:          fullName,
		RegionCode:        regionCode,
		AccountStatus:     AccountActive,
		OperationalStatus: StatusOffline,
		Rating:            5.0,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}

	s.log.Infow("Hired cleaner",
		"employee_id", e.EmployeeID,
		"region", regionCode)
	return e, nil
}

// SetOnline marks a cleaner available. Busy and cooling-down cleaners
// keep their current state; only offline cleaners flip.
func (s *Service) SetOnline(ctx context.Context, id string) (*Employee, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.AccountStatus != AccountActive {
		return nil, errors.NewForbiddenError("cleaner %s is %s", e.EmployeeID, e.AccountStatus)
	}
	if e.OperationalStatus != StatusOffline {
		return e, nil
	}

	if err := s.store.SetOperationalStatus(ctx, id, StatusAvailable, nil); err != nil {
		return nil, err
	}
	e.OperationalStatus = StatusAvailable
	e.CooldownExpiresAt = nil

	s.cacheStatus(ctx, e)
	s.publishStatus(e, bus.CleanerOnline)
	return e, nil
}

// SetOffline marks a cleaner offline. Going offline while holding active
// work is permitted; the SLA monitor raises the alert.
func (s *Service) SetOffline(ctx context.Context, id string) (*Employee, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.OperationalStatus == StatusOffline {
		return e, nil
	}

	if e.OperationalStatus == StatusBusy {
		s.log.Warnw("Cleaner going offline with active work",
			"employee_id", e.EmployeeID)
	}

	if err := s.store.SetOperationalStatus(ctx, id, StatusOffline, nil); err != nil {
		return nil, err
	}
	e.OperationalStatus = StatusOffline
	e.CooldownExpiresAt = nil

	s.cacheStatus(ctx, e)
	s.publishStatus(e, bus.CleanerOffline)
	return e, nil
}

// CachedStatus returns the cleaner's operational status, served from the
// 30-second cache when fresh.
func (s *Service) CachedStatus(ctx context.Context, id string) (OperationalStatus, error) {
	if raw, ok, err := s.cache.Get(ctx, cache.CleanerStatusKey(id)); err == nil && ok {
		return OperationalStatus(raw), nil
	}

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	s.cacheStatus(ctx, e)
	return e.OperationalStatus, nil
}

func (s *Service) cacheStatus(ctx context.Context, e *Employee) {
	err := s.cache.Set(ctx, cache.CleanerStatusKey(e.ID), string(e.OperationalStatus), cache.CleanerStatusTTL)
	if err != nil {
		s.log.Warnw("Failed to cache cleaner status",
			"employee_id", e.EmployeeID,
			"error", err)
	}
}

func (s *Service) publishStatus(e *Employee, t bus.EventType) {
	payload := map[string]interface{}{
		"cleaner_id":  e.ID,
		"employee_id": e.EmployeeID,
		"region":      string(e.RegionCode),
		"status":      string(e.OperationalStatus),
	}
	s.bus.Publish(t, payload)
	s.bus.Publish(bus.CleanerStatusChanged, payload)
}
