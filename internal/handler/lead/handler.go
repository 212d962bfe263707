package lead

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	leadAnalysis "github.com/zhouzirui/lead-relay/backend/internal/analysis/lead"
	"github.com/zhouzirui/lead-relay/backend/pkg/utils"
)

const maxBodyBytes = 32 << 10

// Handler exposes lead scoring.
type Handler struct{}

// New 创建线索处理器
func New() *Handler {
	return &Handler{}
}

// RegisterRoutes 注册线索路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/leads/qualify", h.handleQualify)
}

func (h *Handler) handleQualify(w http.ResponseWriter, r *http.Request) {
	var payload leadAnalysis.Lead
	if err := utils.DecodeJSON(w, r, &payload, maxBodyBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Source == "" {
		utils.RespondError(w, http.StatusBadRequest, "source is required")
		return
	}

	utils.RespondJSON(w, http.StatusOK, leadAnalysis.Qualify(payload))
}
