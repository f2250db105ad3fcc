package handlers

import (
	"net/http"
	"time"

	"github.com/oxbow-labs/sessiongate/api"
	"github.com/oxbow-labs/sessiongate/llm"
)

// =============================================================================
// 📚 模型列表 Handler
// =============================================================================

// ModelLister is the subset of router.Router a ModelsHandler needs: the
// registry's full descriptor list for GET /v1/models.
type ModelLister interface {
	ListModels() []llm.ModelDescriptor
}

// ModelsHandler 模型列表处理器
type ModelsHandler struct {
	router ModelLister
}

// NewModelsHandler 创建模型列表处理器
func NewModelsHandler(router ModelLister) *ModelsHandler {
	return &ModelsHandler{router: router}
}

// HandleList 处理 GET /v1/models 请求，返回 OpenAI 兼容的模型列表
// @Summary 模型列表
// @Description 返回所有已注册 Provider 的模型，OpenAI 兼容格式
// @Tags 模型
// @Produce json
// @Success 200 {object} api.ModelsListResponse "模型列表"
// @Router /v1/models [get]
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	descriptors := h.router.ListModels()
	now := time.Now().Unix()

	data := make([]api.ModelObject, len(descriptors))
	for i, d := range descriptors {
		data[i] = api.ModelObject{
			ID:      d.PublicName,
			Object:  "model",
			Created: now,
			OwnedBy: d.ProviderID,
		}
	}

	WriteJSON(w, http.StatusOK, api.ModelsListResponse{
		Object: "list",
		Data:   data,
	})
}
