package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/agentmarket/api"
	"github.com/BaSui01/agentmarket/llm"
	"go.uber.org/zap"
)

// ModelSource 模型列表来源，cache.ModelCatalog 实现了它
type ModelSource interface {
	List(ctx context.Context) ([]llm.Model, error)
}

// ModelsHandler 上游模型列表
type ModelsHandler struct {
	source ModelSource
	logger *zap.Logger
}

func NewModelsHandler(source ModelSource, logger *zap.Logger) *ModelsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelsHandler{source: source, logger: logger.With(zap.String("component", "models_handler"))}
}

// HandleList 返回缓存的模型列表
// @Summary 可用模型
// @Tags 模型
// @Produce json
// @Success 200 {object} Response
// @Router /api/v1/models [get]
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	models, err := h.source.List(r.Context())
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	out := make([]api.Model, 0, len(models))
	for _, m := range models {
		out = append(out, api.Model{ID: m.ID, OwnedBy: m.OwnedBy, Created: m.Created})
	}
	WriteSuccess(w, r, api.ModelsResponse{Models: out})
}
