package usecase

import (
	"context"
	"encoding/json"

	"LeapsEngine/internal/domain/models"
	"LeapsEngine/internal/services/registry"
	xhttp "LeapsEngine/pkg/http"
	pkgkafka "LeapsEngine/pkg/kafka"
	"LeapsEngine/pkg/logger"
)

// KafkaModelHealthHandler applies externally observed model health reports
// to the registry.
type KafkaModelHealthHandler struct {
	topic  string
	models *registry.ModelManager
	log    *logger.Logger
}

func NewKafkaModelHealthHandler(topic string, mm *registry.ModelManager, l *logger.Logger) *KafkaModelHealthHandler {
	if l == nil {
		l = logger.NewNop()
	}
	return &KafkaModelHealthHandler{topic: topic, models: mm, log: l}
}

func (h *KafkaModelHealthHandler) Topic() string { return h.topic }

// Handle drops malformed or unknown reports; retrying them cannot succeed.
func (h *KafkaModelHealthHandler) Handle(ctx context.Context, b []byte) error {
	var r models.ModelHealthReport
	if err := json.Unmarshal(b, &r); err != nil {
		h.log.Warn("drop model health report", logger.String("reason", "unmarshal"), logger.Error(err))
		return nil
	}
	if err := xhttp.ValidateStruct(ctx, &r); err != nil {
		h.log.Warn("drop model health report", logger.String("model", r.Model), logger.Error(err))
		return nil
	}
	if !h.models.UpdateHealth(r) {
		h.log.Warn("drop model health report", logger.String("model", r.Model), logger.String("reason", "unknown model"))
	}
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaModelHealthHandler)(nil)
