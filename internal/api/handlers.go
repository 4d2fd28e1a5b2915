package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/dosekeeper/internal/errors"
	"github.com/gmsas95/dosekeeper/internal/medication"
)

func badRequest(format string, args ...interface{}) error {
	return apperrors.Wrapf(apperrors.ErrBadRequest, format, args...)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":    "healthy",
		"version":   s.version,
		"timestamp": time.Now().Unix(),
	}
	if s.timers != nil {
		resp["timers"] = fiber.Map{
			"outstanding": s.timers.Count(),
			"ceiling":     s.timers.Ceiling(),
		}
	}
	return c.JSON(resp)
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	if s.metrics == nil {
		return fiber.NewError(fiber.StatusNotFound, "metrics disabled")
	}
	return c.JSON(s.metrics.Snapshot())
}

// ==================== Medications ====================

func (s *Server) handleListMedications(c *fiber.Ctx) error {
	meds, err := s.svc.List(c.UserContext(), c.Query("user_id"))
	if err != nil {
		return err
	}
	return c.JSON(meds)
}

func (s *Server) handleCreateMedication(c *fiber.Ctx) error {
	var req MedicationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request: %v", err)
	}
	if err := req.validate(); err != nil {
		return err
	}

	med := req.newMedication()
	out, err := s.svc.Create(c.UserContext(), med)
	if err != nil && med.Version == 0 {
		return err
	}
	if err != nil {
		s.logger.Warn("Medication saved but schedule is incomplete", zap.String("medication_id", med.ID), zap.Error(err))
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"medication": med,
		"schedule":   out,
	})
}

func (s *Server) handleGetMedication(c *fiber.Ctx) error {
	med, err := s.svc.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(med)
}

func (s *Server) handleUpdateMedication(c *fiber.Ctx) error {
	ctx := c.UserContext()
	med, err := s.svc.Get(ctx, c.Params("id"))
	if err != nil {
		return err
	}

	var req MedicationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request: %v", err)
	}
	if err := req.validate(); err != nil {
		return err
	}
	req.apply(med)

	prev := med.Version
	out, err := s.svc.Update(ctx, med)
	if err != nil && med.Version == prev {
		return err
	}
	if err != nil {
		s.logger.Warn("Medication saved but schedule is incomplete", zap.String("medication_id", med.ID), zap.Error(err))
	}

	return c.JSON(fiber.Map{
		"medication": med,
		"schedule":   out,
	})
}

func (s *Server) handleDeleteMedication(c *fiber.Ctx) error {
	if err := s.svc.Remove(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleTakeDose(c *fiber.Ctx) error {
	var req TakeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest("invalid request: %v", err)
		}
	}

	med, err := s.svc.TakeDose(c.UserContext(), c.Params("id"), req.DoseTime, "api")
	if err != nil {
		return err
	}
	return c.JSON(med)
}

func (s *Server) handleRefill(c *fiber.Ctx) error {
	var req RefillRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request: %v", err)
	}

	med, err := s.svc.Refill(c.UserContext(), c.Params("id"), req.Amount)
	if err != nil {
		return err
	}
	return c.JSON(med)
}

func (s *Server) handlePause(c *fiber.Ctx) error {
	med, err := s.svc.Pause(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(med)
}

func (s *Server) handleResume(c *fiber.Ctx) error {
	med, err := s.svc.Resume(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(med)
}

func (s *Server) handleSchedule(c *fiber.Ctx) error {
	med, plan, err := s.svc.Plan(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"medication_id": med.ID,
		"dose_times":    med.DoseTimes,
		"plan":          plan,
		"registered":    len(s.registeredKeys(med)),
	})
}

func (s *Server) registeredKeys(med *medication.Medication) []string {
	var keys []string
	for _, l := range s.svc.Leases() {
		if l.MedicationID != med.ID {
			continue
		}
		for _, k := range l.Keys {
			keys = append(keys, k.String())
		}
	}
	return keys
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	logs, err := s.svc.History(c.UserContext(), c.Params("id"), c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	return c.JSON(logs)
}

// ==================== Scheduling ====================

func (s *Server) handleTriggers(c *fiber.Ctx) error {
	resp := fiber.Map{"leases": s.svc.Leases()}
	if s.timers != nil {
		resp["pending"] = s.timers.Pending()
		resp["outstanding"] = s.timers.Count()
		resp["ceiling"] = s.timers.Ceiling()
	}
	return c.JSON(resp)
}

func (s *Server) handleRecover(c *fiber.Ctx) error {
	report, err := s.svc.Recover(c.UserContext())
	if err != nil {
		return err
	}

	var errs []string
	for _, e := range report.Errors() {
		errs = append(errs, e.Error())
	}
	return c.JSON(fiber.Map{
		"report": report,
		"errors": errs,
	})
}

func (s *Server) handleStockReport(c *fiber.Ctx) error {
	lines, err := s.svc.StockReport(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(lines)
}

func (s *Server) handleStockCheck(c *fiber.Ctx) error {
	alerts, err := s.svc.RefreshStock(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"alerts": alerts})
}

func (s *Server) handleListJobs(c *fiber.Ctx) error {
	if s.jobs == nil {
		return c.JSON([]struct{}{})
	}
	return c.JSON(s.jobs.Jobs())
}
