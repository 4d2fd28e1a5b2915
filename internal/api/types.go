package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/gmsas95/dosekeeper/internal/config"
	apperrors "github.com/gmsas95/dosekeeper/internal/errors"
	"github.com/gmsas95/dosekeeper/internal/jobs"
	"github.com/gmsas95/dosekeeper/internal/medication"
	"github.com/gmsas95/dosekeeper/internal/metrics"
	"github.com/gmsas95/dosekeeper/internal/security"
	"github.com/gmsas95/dosekeeper/internal/service"
	"github.com/gmsas95/dosekeeper/internal/timers"
)

// TimerView exposes the outstanding timers
type TimerView interface {
	Pending() []timers.Pending
	Count() int
	Ceiling() int
}

// Deps groups what the server serves
type Deps struct {
	Service *service.Service
	Metrics *metrics.Metrics
	Timers  TimerView
	Jobs    *jobs.Runner
	Version string
}

type Server struct {
	app     *fiber.App
	config  *config.Config
	svc     *service.Service
	metrics *metrics.Metrics
	timers  TimerView
	jobs    *jobs.Runner
	version string
	logger  *zap.Logger
}

func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	readTimeout := time.Duration(cfg.Server.ReadTimeout) * time.Second
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := time.Duration(cfg.Server.WriteTimeout) * time.Second
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           readTimeout,
		WriteTimeout:          writeTimeout,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	s := &Server{
		app:     app,
		config:  cfg,
		svc:     deps.Service,
		metrics: deps.Metrics,
		timers:  deps.Timers,
		jobs:    deps.Jobs,
		version: deps.Version,
		logger:  logger,
	}
	if s.version == "" {
		s.version = "dev"
	}

	s.setupRoutes()
	return s
}

// App exposes the fiber app, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// MedicationRequest is the body of create and update calls
type MedicationRequest struct {
	UserID                string     `json:"user_id"`
	Name                  string     `json:"name"`
	Presentation          string     `json:"presentation"`
	Condition             string     `json:"condition"`
	Details               string     `json:"details"`
	Color                 int        `json:"color"`
	DosesPerDay           int        `json:"doses_per_day"`
	FirstDoseTime         string     `json:"first_dose_time"`
	TreatmentDays         int        `json:"treatment_days"`
	StartDate             *time.Time `json:"start_date"`
	StockType             string     `json:"stock_type"`
	InitialStock          int        `json:"initial_stock"`
	CurrentStock          *int       `json:"current_stock"`
	EstimatedDurationDays int        `json:"estimated_duration_days"`
	RemainingDurationDays *int       `json:"remaining_duration_days"`
	ExpiresAt             *time.Time `json:"expires_at"`
	Active                *bool      `json:"active"`
}

// validate screens the free text fields before they reach storage
func (r *MedicationRequest) validate() error {
	labels := map[string]string{"name": r.Name, "presentation": r.Presentation, "condition": r.Condition}
	for field, value := range labels {
		if err := security.ValidateLabel(value); err != nil {
			return apperrors.Wrapf(apperrors.ErrMalformedInput, "%s: %v", field, err)
		}
	}
	if err := security.ValidateNotes(r.Details); err != nil {
		return apperrors.Wrapf(apperrors.ErrMalformedInput, "details: %v", err)
	}
	return nil
}

// apply copies the request onto med. Unset optional fields keep their
// current value, for new records that means the defaults below.
func (r *MedicationRequest) apply(med *medication.Medication) {
	if r.UserID != "" {
		med.UserID = r.UserID
	}
	med.Name = strings.TrimSpace(r.Name)
	med.Presentation = r.Presentation
	med.Condition = r.Condition
	med.Details = r.Details
	med.Color = r.Color
	med.DosesPerDay = r.DosesPerDay
	med.FirstDoseTime = r.FirstDoseTime
	med.TreatmentDays = r.TreatmentDays
	if r.StartDate != nil {
		med.StartDate = *r.StartDate
	}
	if r.StockType != "" {
		med.StockType = medication.StockType(r.StockType)
	}
	med.InitialStock = r.InitialStock
	if r.CurrentStock != nil {
		med.CurrentStock = *r.CurrentStock
	}
	med.EstimatedDurationDays = r.EstimatedDurationDays
	if r.RemainingDurationDays != nil {
		med.RemainingDurationDays = *r.RemainingDurationDays
	}
	med.ExpiresAt = r.ExpiresAt
	if r.Active != nil {
		med.Active = *r.Active
	}
}

// newMedication builds a record from a create request
func (r *MedicationRequest) newMedication() *medication.Medication {
	med := &medication.Medication{Active: true}
	r.apply(med)
	if r.CurrentStock == nil {
		med.CurrentStock = med.InitialStock
	}
	if r.RemainingDurationDays == nil {
		med.RemainingDurationDays = med.EstimatedDurationDays
	}
	if med.TreatmentDays == 0 {
		med.TreatmentDays = medication.Indefinite
	}
	return med
}

type TakeRequest struct {
	DoseTime string `json:"dose_time"`
}

type RefillRequest struct {
	Amount int `json:"amount"`
}

// ErrorResponse is the body of every failed call
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
