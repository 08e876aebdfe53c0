package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/inviteman/internal/invite"
	"github.com/hitoshi/inviteman/internal/middleware"
	"github.com/hitoshi/inviteman/internal/model"
)

// InviteServiceInterface は招待ライフサイクル操作の抽象。
type InviteServiceInterface interface {
	CreateTrial(ctx context.Context, admin invite.Admin, target invite.Target) (*invite.CreateResult, error)
	CreatePaid(ctx context.Context, admin invite.Admin, target invite.Target, plan string, months, days int) (*invite.CreateResult, error)
	Extend(ctx context.Context, admin invite.Admin, jfaUsername string, months, days, hours, minutes int, reason string) (int64, error)
	Remove(ctx context.Context, admin invite.Admin, identifier string) (*invite.RemoveResult, error)
}

// InviteHandler は招待ライフサイクル操作のHTTPハンドラー。
type InviteHandler struct {
	service InviteServiceInterface
	logger  *slog.Logger
}

// NewInviteHandler はInviteHandlerを生成する。
func NewInviteHandler(service InviteServiceInterface, logger *slog.Logger) *InviteHandler {
	return &InviteHandler{service: service, logger: logger}
}

type adminRequest struct {
	AdminID       string `json:"admin_id"`
	AdminUsername string `json:"admin_username"`
}

func (a adminRequest) toAdmin() invite.Admin {
	return invite.Admin{ID: a.AdminID, Username: a.AdminUsername}
}

type createTrialRequest struct {
	adminRequest
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type createPaidRequest struct {
	adminRequest
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Plan     string `json:"plan"`
	Months   int    `json:"months"`
	Days     int    `json:"days"`
}

type extendRequest struct {
	adminRequest
	JfaUsername string `json:"jfa_username"`
	Months      int    `json:"months"`
	Days        int    `json:"days"`
	Hours       int    `json:"hours"`
	Minutes     int    `json:"minutes"`
	Reason      string `json:"reason"`
}

type removeRequest struct {
	adminRequest
	Identifier string `json:"identifier"`
}

type createResponse struct {
	Code         string `json:"code"`
	Label        string `json:"label"`
	PlanType     string `json:"plan_type"`
	ExpiresAt    int64  `json:"expires_at"`
	ExistingNote string `json:"existing_note,omitempty"`
}

type extendResponse struct {
	NewExpiresAt int64 `json:"new_expires_at"`
}

type removeResponse struct {
	Identification string   `json:"identification"`
	LowConfidence  bool     `json:"low_confidence"`
	RemoteUser     string   `json:"remote_user"`
	RemoteInvite   string   `json:"remote_invite"`
	RoleReversion  string   `json:"role_reversion"`
	LocalStatus    string   `json:"local_status"`
	Notes          []string `json:"notes,omitempty"`
}

// CreateTrial はトライアル招待を作成する。
// POST /api/invites/trial
func (h *InviteHandler) CreateTrial(w http.ResponseWriter, r *http.Request) {
	var req createTrialRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Username == "" {
		writeValidationError(w, "user_idとusernameは必須です。")
		return
	}

	result, err := h.service.CreateTrial(r.Context(), req.toAdmin(), invite.Target{UserID: req.UserID, Username: req.Username})
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreateResponse(result))
}

// CreatePaid は有料プラン招待を作成する。
// POST /api/invites/paid
func (h *InviteHandler) CreatePaid(w http.ResponseWriter, r *http.Request) {
	var req createPaidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Username == "" || req.Plan == "" {
		writeValidationError(w, "user_id、username、planは必須です。")
		return
	}

	result, err := h.service.CreatePaid(r.Context(), req.toAdmin(),
		invite.Target{UserID: req.UserID, Username: req.Username}, req.Plan, req.Months, req.Days)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreateResponse(result))
}

// Extend はアカウント有効期限を延長する。
// POST /api/invites/extend
func (h *InviteHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.JfaUsername == "" {
		writeValidationError(w, "jfa_usernameは必須です。")
		return
	}

	newExpiry, err := h.service.Extend(r.Context(), req.toAdmin(),
		req.JfaUsername, req.Months, req.Days, req.Hours, req.Minutes, req.Reason)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, extendResponse{NewExpiresAt: newExpiry})
}

// Remove は招待とアカウントを除去する。
// POST /api/invites/remove
func (h *InviteHandler) Remove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Identifier == "" {
		writeValidationError(w, "identifierは必須です。")
		return
	}

	result, err := h.service.Remove(r.Context(), req.toAdmin(), req.Identifier)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, removeResponse{
		Identification: result.Identification,
		LowConfidence:  result.LowConfidence,
		RemoteUser:     string(result.RemoteUser),
		RemoteInvite:   string(result.RemoteInvite),
		RoleReversion:  string(result.RoleReversion),
		LocalStatus:    string(result.LocalStatus),
		Notes:          result.Notes,
	})
}

func toCreateResponse(result *invite.CreateResult) createResponse {
	return createResponse{
		Code:         result.Code,
		Label:        result.Label,
		PlanType:     result.PlanType,
		ExpiresAt:    result.ExpiresAt,
		ExistingNote: result.ExistingNote,
	}
}

// decodeBody はJSONボディをデコードする。失敗時は400を書き込みfalseを返す。
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeValidationError(w, "リクエストボディを解析できません。")
		return false
	}
	return true
}

func writeValidationError(w http.ResponseWriter, message string) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.OpError{
		Code:     "INVALID_REQUEST",
		Message:  message,
		Category: "validation",
		Action:   "リクエストボディの必須フィールドを確認してください。",
	})
}

// writeOpError はサービスエラーをHTTPステータスにマッピングして書き込む。
func (h *InviteHandler) writeOpError(w http.ResponseWriter, err error) {
	var opErr *model.OpError
	if !errors.As(err, &opErr) {
		h.logger.Error("管理APIで未分類のエラーが発生しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	middleware.WriteErrorResponse(w, statusForCode(opErr.Code), opErr)
}

func statusForCode(code string) int {
	switch code {
	case model.ErrCodeInvalidDuration, model.ErrCodeUnknownPlan, model.ErrCodeInvalidStatus:
		return http.StatusBadRequest
	case model.ErrCodeTargetNotFound:
		return http.StatusNotFound
	case model.ErrCodeAmbiguousTarget:
		return http.StatusConflict
	case model.ErrCodeAuthFailed, model.ErrCodeRemoteFailed, model.ErrCodeCodeUnresolved:
		return http.StatusBadGateway
	case model.ErrCodeStoreFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
