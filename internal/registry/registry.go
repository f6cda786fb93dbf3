// Package registry owns a user's connected devices: one row per (owner, device type),
// connection lifecycle and sealed credential storage.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/devicesync/internal/domain"
)

// Sealer encrypts and decrypts credential material.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Backfiller runs the initial historical sync for a freshly connected device. It never fails;
// per-day problems are reported in the returned summary.
type Backfiller interface {
	InitialBackfill(ctx context.Context, ownerID, deviceID string, deviceType domain.DeviceType) domain.BackfillReport
}

// ConnectInput carries a connect request. DeviceType is validated against the supported set.
type ConnectInput struct {
	OwnerID      string
	DeviceType   string
	DeviceName   string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Service manages devices on top of a DeviceRepository.
type Service struct {
	repo       domain.DeviceRepository
	sealer     Sealer
	backfiller Backfiller
	logger     logrus.FieldLogger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithBackfiller sets the initial-sync collaborator.
func WithBackfiller(b Backfiller) Option {
	return func(s *Service) {
		s.backfiller = b
	}
}

// New constructs a Service.
func New(repo domain.DeviceRepository, sealer Sealer, opts ...Option) *Service {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := &Service{
		repo:   repo,
		sealer: sealer,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetBackfiller binds the backfiller after construction. The orchestrator reads tokens through
// the registry, so the two are wired in two steps at startup; call this before serving.
func (s *Service) SetBackfiller(b Backfiller) {
	s.backfiller = b
}

// Connect creates or reconnects the owner's device of the given type and runs the initial
// backfill. Backfill problems are logged and never fail the call.
func (s *Service) Connect(ctx context.Context, in ConnectInput) (domain.Device, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return domain.Device{}, &domain.ValidationError{Field: "ownerId", Reason: "is required"}
	}
	deviceType, err := domain.ParseDeviceType(in.DeviceType)
	if err != nil {
		return domain.Device{}, err
	}

	sealedAccess, err := s.sealer.Seal(in.AccessToken)
	if err != nil {
		return domain.Device{}, fmt.Errorf("seal access token: %w", err)
	}
	sealedRefresh, err := s.sealer.Seal(in.RefreshToken)
	if err != nil {
		return domain.Device{}, fmt.Errorf("seal refresh token: %w", err)
	}

	existing, err := s.repo.FindDeviceByType(ctx, in.OwnerID, deviceType)
	if err != nil {
		return domain.Device{}, fmt.Errorf("find device: %w", err)
	}

	now := s.now()
	device := domain.Device{
		OwnerID:            in.OwnerID,
		Type:               deviceType,
		Name:               strings.TrimSpace(in.DeviceName),
		Status:             domain.DeviceStatusConnected,
		LastSyncAt:         &now,
		SealedAccessToken:  sealedAccess,
		SealedRefreshToken: sealedRefresh,
		TokenExpiresAt:     in.ExpiresAt,
	}
	if existing != nil {
		device.ID = existing.ID
		if device.Name == "" {
			device.Name = existing.Name
		}
	}
	if device.Name == "" {
		device.Name = string(deviceType)
	}

	stored, err := s.repo.UpsertDevice(ctx, device)
	if err != nil {
		return domain.Device{}, fmt.Errorf("upsert device: %w", err)
	}

	logger := s.logger.WithFields(logrus.Fields{
		"owner_id":    stored.OwnerID,
		"device_id":   stored.ID,
		"device_type": stored.Type,
		"reconnect":   existing != nil,
	})
	logger.Info("device connected")

	if s.backfiller != nil {
		report := s.backfiller.InitialBackfill(ctx, stored.OwnerID, stored.ID, stored.Type)
		logger.WithFields(logrus.Fields{
			"merged":  report.Merged,
			"failed":  report.Failed,
			"skipped": report.Skipped,
		}).Info("initial backfill finished")
		if refreshed, err := s.repo.FindDevice(ctx, stored.OwnerID, stored.ID); err == nil && refreshed != nil {
			stored = *refreshed
		}
	}
	return stored, nil
}

// Disconnect marks the device DISCONNECTED and clears its credentials. The row and its ledger
// records are kept.
func (s *Service) Disconnect(ctx context.Context, ownerID, deviceID string) (domain.Device, error) {
	device, err := s.Get(ctx, ownerID, deviceID)
	if err != nil {
		return domain.Device{}, err
	}
	device.Status = domain.DeviceStatusDisconnected
	device.SealedAccessToken = ""
	device.SealedRefreshToken = ""
	device.TokenExpiresAt = nil

	stored, err := s.repo.UpsertDevice(ctx, device)
	if err != nil {
		return domain.Device{}, fmt.Errorf("upsert device: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"owner_id": ownerID, "device_id": deviceID}).Info("device disconnected")
	return stored, nil
}

// List returns the owner's devices, newest first.
func (s *Service) List(ctx context.Context, ownerID string) ([]domain.Device, error) {
	devices, err := s.repo.ListDevices(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// Get returns the owner's device or domain.ErrDeviceNotFound.
func (s *Service) Get(ctx context.Context, ownerID, deviceID string) (domain.Device, error) {
	device, err := s.repo.FindDevice(ctx, ownerID, deviceID)
	if err != nil {
		return domain.Device{}, fmt.Errorf("find device: %w", err)
	}
	if device == nil {
		return domain.Device{}, domain.ErrDeviceNotFound
	}
	return *device, nil
}

// GetTokens returns the decrypted credentials of the device. An absent device yields empty
// tokens rather than an error.
func (s *Service) GetTokens(ctx context.Context, ownerID, deviceID string) (domain.Tokens, error) {
	device, err := s.repo.FindDevice(ctx, ownerID, deviceID)
	if err != nil {
		return domain.Tokens{}, fmt.Errorf("find device: %w", err)
	}
	if device == nil {
		return domain.Tokens{}, nil
	}
	access, err := s.sealer.Open(device.SealedAccessToken)
	if err != nil {
		return domain.Tokens{}, fmt.Errorf("open access token: %w", err)
	}
	refresh, err := s.sealer.Open(device.SealedRefreshToken)
	if err != nil {
		return domain.Tokens{}, fmt.Errorf("open refresh token: %w", err)
	}
	return domain.Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAt: device.TokenExpiresAt}, nil
}

// UpdateTokens replaces the device's credentials.
func (s *Service) UpdateTokens(ctx context.Context, ownerID, deviceID string, tokens domain.Tokens) error {
	device, err := s.Get(ctx, ownerID, deviceID)
	if err != nil {
		return err
	}
	if device.SealedAccessToken, err = s.sealer.Seal(tokens.AccessToken); err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	if device.SealedRefreshToken, err = s.sealer.Seal(tokens.RefreshToken); err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	device.TokenExpiresAt = tokens.ExpiresAt
	if _, err := s.repo.UpsertDevice(ctx, device); err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// MarkStatus moves the device to status, stamping lastSyncAt when given.
func (s *Service) MarkStatus(ctx context.Context, ownerID, deviceID string, status domain.DeviceStatus, lastSyncAt *time.Time) error {
	if err := s.repo.UpdateDeviceStatus(ctx, ownerID, deviceID, status, lastSyncAt); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrDeviceNotFound
		}
		return fmt.Errorf("update device status: %w", err)
	}
	return nil
}
