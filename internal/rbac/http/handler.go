// Package rbachttp exposes role management over a JSON API.
package rbachttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/users"
)

// RoleService is the subset of rbac.Service the handler drives.
type RoleService interface {
	ListRoles() []rbac.Role
	ListVisibleRoles() []rbac.Role
	GetRole(id int64) (rbac.Role, error)
	CreateRole(ctx context.Context, name, description string, protected bool) (rbac.Role, error)
	RenameRole(ctx context.Context, id int64, name, description string) (rbac.Role, error)
	RequestDeletion(ctx context.Context, id int64) (*rbac.Deletion, error)
	CancelDeletion(ctx context.Context, id int64) (rbac.Role, error)
	PendingDeletions() []rbac.PendingDeletion
	DeletionStatus(id uuid.UUID) (rbac.DeletionStatus, error)
	ListPermissions() []rbac.Permission
	GroupPermissions() map[string][]rbac.Permission
	ReloadCatalog(ctx context.Context) error
	GetEffectivePermissions(roleID int64) ([]int64, error)
	SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	AssignUserRole(ctx context.Context, userID, roleID int64) error
	ClearUserRole(ctx context.Context, userID int64) error
	GetUserRole(userID int64) (int64, bool)
}

// UserDirectory reads the externally owned user list.
type UserDirectory interface {
	ListUsers(ctx context.Context) ([]users.User, error)
	GetUser(ctx context.Context, id int64) (users.User, error)
}

// Handler serves the role management API.
type Handler struct {
	logger    *slog.Logger
	service   RoleService
	users     UserDirectory
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service RoleService, directory UserDirectory) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, users: directory, validator: validator.New()}
}

// MountRoutes registers role management routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/roles", func(r chi.Router) {
		r.Get("/", h.listRoles)
		r.Post("/", h.createRole)
		r.Route("/{roleID}", func(r chi.Router) {
			r.Get("/", h.getRole)
			r.Put("/", h.renameRole)
			r.Delete("/", h.deleteRole)
			r.Post("/restore", h.restoreRole)
			r.Get("/permissions", h.getRolePermissions)
			r.Put("/permissions", h.setRolePermissions)
		})
	})
	r.Get("/permissions", h.listPermissions)
	r.Post("/permissions/reload", h.reloadPermissions)
	r.Get("/deletions", h.listDeletions)
	r.Get("/deletions/{deletionID}", h.getDeletion)
	r.Get("/users", h.listUsers)
	r.Route("/users/{userID}/role", func(r chi.Router) {
		r.Get("/", h.getUserRole)
		r.Put("/", h.assignUserRole)
		r.Delete("/", h.clearUserRole)
	})
}

type roleRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
}

type permissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required,dive,gt=0"`
}

type userRoleRequest struct {
	RoleID int64 `json:"role_id" validate:"required,gt=0"`
}

type roleView struct {
	rbac.Role
	PendingDeletion *deletionView `json:"pending_deletion,omitempty"`
}

type deletionView struct {
	ID            string     `json:"id"`
	RoleID        int64      `json:"role_id"`
	Snapshot      rbac.Role  `json:"snapshot"`
	State         string     `json:"state"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	GraceDeadline time.Time  `json:"grace_deadline"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

type userView struct {
	users.User
	RoleID *int64 `json:"role_id"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("include") != "pending" {
		views := make([]roleView, 0)
		for _, role := range h.service.ListRoles() {
			views = append(views, roleView{Role: role})
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"roles": views})
		return
	}
	pending := make(map[int64]rbac.PendingDeletion)
	for _, p := range h.service.PendingDeletions() {
		pending[p.RoleID] = p
	}
	views := make([]roleView, 0)
	for _, role := range h.service.ListVisibleRoles() {
		view := roleView{Role: role}
		if p, ok := pending[role.ID]; ok {
			dv := pendingView(p)
			view.PendingDeletion = &dv
		}
		views = append(views, view)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": views})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.service.GetRole(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	// Protected roles are provisioned by the operator CLI only.
	role, err := h.service.CreateRole(r.Context(), req.Name, req.Description, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) renameRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.RenameRole(r.Context(), id, req.Name, req.Description)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	deletion, err := h.service.RequestDeletion(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view := pendingView(deletion.Record())
	view.State = deletion.State().String()
	httpx.JSON(w, http.StatusAccepted, view)
}

func (h *Handler) restoreRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.service.CancelDeletion(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) getRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	ids, err := h.service.GetEffectivePermissions(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": id, "permission_ids": ids})
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req permissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), id, req.PermissionIDs); err != nil {
		h.fail(w, r, err)
		return
	}
	ids, err := h.service.GetEffectivePermissions(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": id, "permission_ids": ids})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("group") == "module" {
		httpx.JSON(w, http.StatusOK, map[string]any{"modules": h.service.GroupPermissions()})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": h.service.ListPermissions()})
}

func (h *Handler) reloadPermissions(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ReloadCatalog(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listDeletions(w http.ResponseWriter, r *http.Request) {
	pending := h.service.PendingDeletions()
	views := make([]deletionView, 0, len(pending))
	for _, p := range pending {
		views = append(views, pendingView(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deletions": views})
}

// getDeletion reports the outcome of a deletion so clients can undo an optimistic hide.
func (h *Handler) getDeletion(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "deletionID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid deletionID")
		return
	}
	status, err := h.service.DeletionStatus(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view := pendingView(status.Record)
	view.State = status.State.String()
	if !status.FinishedAt.IsZero() {
		finished := status.FinishedAt
		view.FinishedAt = &finished
	}
	if status.Err != nil {
		view.Error = status.Err.Error()
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.users.ListUsers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]userView, 0, len(list))
	for _, u := range list {
		view := userView{User: u}
		if roleID, ok := h.service.GetUserRole(u.ID); ok {
			view.RoleID = &roleID
		}
		views = append(views, view)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": views})
}

func (h *Handler) getUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := h.service.GetUserRole(userID)
	if !ok {
		httpx.Problem(w, http.StatusNotFound, "Not Found", fmt.Sprintf("user %d has no role", userID))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "role_id": roleID})
}

func (h *Handler) assignUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	var req userRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.users.GetUser(r.Context(), userID); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.AssignUserRole(r.Context(), userID, req.RoleID); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "role_id": req.RoleID})
}

func (h *Handler) clearUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	if err := h.service.ClearUserRole(r.Context(), userID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+param)
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", fieldErrs[0].Field()+": "+fieldErrs[0].Tag())
			return false
		}
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	mapped := translate(err)
	if httpx.Status(mapped) >= http.StatusInternalServerError {
		h.logger.Error("rbac request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

// translate maps core errors onto the httpx taxonomy while keeping the message.
func translate(err error) error {
	var kind error
	switch {
	case errors.Is(err, rbac.ErrPersistence):
		kind = httpx.ErrUnavailable
	case errors.Is(err, rbac.ErrProtectedRole):
		kind = httpx.ErrForbidden
	case errors.Is(err, rbac.ErrDeletionAlreadyFinalized):
		kind = httpx.ErrGone
	case errors.Is(err, rbac.ErrDuplicateRoleName), errors.Is(err, rbac.ErrRoleInUse):
		kind = httpx.ErrDuplicate
	case errors.Is(err, rbac.ErrPermissionNotFound), errors.Is(err, rbac.ErrInvalidRole), errors.Is(err, rbac.ErrInvalidPermission):
		kind = httpx.ErrUnprocessable
	case errors.Is(err, rbac.ErrRoleNotFound), errors.Is(err, rbac.ErrDeletionNotFound), errors.Is(err, users.ErrUserNotFound):
		kind = httpx.ErrNotFound
	default:
		return err
	}
	return fmt.Errorf("%w: %s", kind, err.Error())
}

func pendingView(p rbac.PendingDeletion) deletionView {
	return deletionView{
		ID:            p.ID.String(),
		RoleID:        p.RoleID,
		Snapshot:      p.Snapshot,
		State:         rbac.DeletionPending.String(),
		ScheduledAt:   p.ScheduledAt,
		GraceDeadline: p.GraceDeadline,
	}
}
