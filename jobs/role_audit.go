package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	roleAuditJob      = "rbac_event_audit"
	idempotencyModule = "rbac_events"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AuditWriter persists audit records.
type AuditWriter interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyGuard remembers processed event ids.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// RoleAuditJob writes role lifecycle events into the audit log.
type RoleAuditJob struct {
	audit       AuditWriter
	idempotency IdempotencyGuard
	logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// NewRoleAuditJob constructs the job. idempotency may be nil.
func NewRoleAuditJob(audit AuditWriter, idempotency IdempotencyGuard, logger *slog.Logger, metrics *jobmetrics.Metrics) *RoleAuditJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleAuditJob{audit: audit, idempotency: idempotency, logger: logger, Metrics: metrics}
}

// TaskHandler registers the job with the worker mux.
func (j *RoleAuditJob) TaskHandler() TaskHandler {
	return TaskHandler{Type: TaskRoleEvent, Handler: j.Handle}
}

// Handle processes TaskRoleEvent tasks.
func (j *RoleAuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	metrics := j.metrics()
	event, err := decodeRoleEvent(t)
	if err != nil {
		metrics.AddDropped(roleAuditJob, "malformed")
		j.logger.Warn("drop malformed role event", slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	tracker := metrics.Track(roleAuditJob)
	if j.idempotency != nil {
		if err := j.idempotency.CheckAndInsert(ctx, event.ID, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				metrics.AddDropped(roleAuditJob, "duplicate")
				return tracker.End(nil)
			}
			return tracker.End(err)
		}
	}

	if err := j.audit.Record(ctx, auditRecord(event)); err != nil {
		if j.idempotency != nil {
			if delErr := j.idempotency.Delete(ctx, event.ID); delErr != nil {
				j.logger.Warn("release idempotency key", slog.String("event_id", event.ID), slog.Any("error", delErr))
			}
		}
		j.logger.Error("record role event", slog.String("event_id", event.ID), slog.String("type", string(event.Type)), slog.Any("error", err))
		return tracker.End(err)
	}
	j.logger.Debug("role event audited", slog.String("event_id", event.ID), slog.String("type", string(event.Type)))
	return tracker.End(nil)
}

func (j *RoleAuditJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func auditRecord(event rbac.RoleEvent) shared.AuditLog {
	meta := make(map[string]any, len(event.Meta)+3)
	for k, v := range event.Meta {
		meta[k] = v
	}
	meta["event_id"] = event.ID
	record := shared.AuditLog{
		Action: string(event.Type),
		Entity: "role",
		At:     event.OccurredAt,
		Meta:   meta,
	}
	switch event.Type {
	case rbac.EventUserRoleAssigned, rbac.EventUserRoleCleared:
		record.Entity = "user"
		record.EntityID = strconv.FormatInt(event.UserID, 10)
		if event.RoleID != 0 {
			meta["role_id"] = event.RoleID
		}
	default:
		record.EntityID = strconv.FormatInt(event.RoleID, 10)
	}
	return record
}
