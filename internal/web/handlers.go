// internal/web/handlers.go
package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"maremma/internal/database"
	"maremma/internal/status"
)

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type serviceCheckJSON struct {
	ID          string `json:"id"`
	HostID      string `json:"host_id"`
	ServiceID   string `json:"service_id"`
	HostName    string `json:"host_name"`
	ServiceName string `json:"service_name"`
	ServiceType string `json:"service_type"`
	Status      string `json:"status"`
	StatusClass string `json:"status_class"`
	LastCheck   string `json:"last_check,omitempty"`
	NextCheck   string `json:"next_check,omitempty"`
}

func toServiceCheckJSON(d database.ServiceCheckDetail) serviceCheckJSON {
	out := serviceCheckJSON{
		ID:          d.ID.String(),
		HostID:      d.HostID.String(),
		ServiceID:   d.ServiceID.String(),
		HostName:    d.HostName,
		ServiceName: d.ServiceName,
		ServiceType: d.ServiceType,
		Status:      string(d.Status),
		StatusClass: d.Status.BackgroundClass(),
	}
	if !d.LastCheck.IsZero() {
		out.LastCheck = d.LastCheck.Format(time.RFC3339)
	}
	if !d.NextCheck.IsZero() {
		out.NextCheck = d.NextCheck.Format(time.RFC3339)
	}
	return out
}

// getServiceChecks is the main list view: paginated, filterable by host,
// group and status.
func (s *Server) getServiceChecks(c *gin.Context) {
	filter := database.CheckFilter{}

	if raw := c.Query("host_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid host_id"})
			return
		}
		filter.HostID = &id
	}
	if raw := c.Query("group_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group_id"})
			return
		}
		filter.GroupID = &id
	}
	if raw := c.Query("status"); raw != "" {
		st, err := status.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		filter.Status = &st
	}
	if raw := c.Query("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
			return
		}
		filter.Page = page
	}

	details, err := s.store.ListServiceChecks(c.Request.Context(), filter)
	if err != nil {
		logrus.WithError(err).Error("Failed to list service checks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := make([]serviceCheckJSON, 0, len(details))
	for _, d := range details {
		out = append(out, toServiceCheckJSON(d))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getHosts(c *gin.Context) {
	hosts, err := s.store.Hosts(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to list hosts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := make([]gin.H, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, gin.H{
			"id":       h.ID.String(),
			"name":     h.Name,
			"hostname": h.Hostname,
			"check":    h.Check,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getHost(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	host, err := s.store.HostByID(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "host not found"})
		return
	}
	if err != nil {
		logrus.WithError(err).Error("Failed to fetch host")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	details, err := s.store.ListServiceChecks(c.Request.Context(), database.CheckFilter{HostID: &id})
	if err != nil {
		logrus.WithError(err).Error("Failed to list host checks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	checks := make([]serviceCheckJSON, 0, len(details))
	for _, d := range details {
		checks = append(checks, toServiceCheckJSON(d))
	}

	c.JSON(http.StatusOK, gin.H{
		"id":             host.ID.String(),
		"name":           host.Name,
		"hostname":       host.Hostname,
		"check":          host.Check,
		"service_checks": checks,
	})
}

func (s *Server) getService(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	svc, err := s.store.ServiceByID(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "service not found"})
		return
	}
	if err != nil {
		logrus.WithError(err).Error("Failed to fetch service")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":            svc.ID.String(),
		"name":          svc.Name,
		"description":   svc.Description,
		"service_type":  svc.ServiceType,
		"cron_schedule": svc.CronSchedule,
	})
}

func (s *Server) getServiceCheck(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	check, err := s.store.ServiceCheckByID(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "service check not found"})
		return
	}
	if err != nil {
		logrus.WithError(err).Error("Failed to fetch service check")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	limit := int64(50)
	if raw := c.Query("history"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid history limit"})
			return
		}
		limit = parsed
	}

	entries, err := s.store.History(c.Request.Context(), id, limit)
	if err != nil {
		logrus.WithError(err).Error("Failed to fetch history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	history := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		history = append(history, gin.H{
			"timestamp":       e.Timestamp.Format(time.RFC3339),
			"status":          string(e.Status),
			"time_elapsed_ms": e.TimeElapsedMs,
			"result_text":     e.ResultText,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"id":           check.ID.String(),
		"host_id":      check.HostID.String(),
		"service_id":   check.ServiceID.String(),
		"status":       string(check.Status),
		"status_class": check.Status.BackgroundClass(),
		"last_check":   check.LastCheck.Format(time.RFC3339),
		"next_check":   check.NextCheck.Format(time.RFC3339),
		"history":      history,
	})
}

func (s *Server) expediteServiceCheck(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	err = s.scheduler.Expedite(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "service check not found"})
		return
	}
	if err != nil {
		logrus.WithError(err).Error("Failed to expedite service check")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "urgent"})
}

func (s *Server) deleteServiceCheck(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	err = s.store.DeleteServiceCheck(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "service check not found"})
		return
	}
	if err != nil {
		logrus.WithError(err).Error("Failed to delete service check")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
