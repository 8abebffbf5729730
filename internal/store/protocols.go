package store

import (
	"context"

	"iot-gateway/internal/model"
)

func (s *Store) GetProtocolConfig(ctx context.Context, id int64) (*model.ProtocolConfig, error) {
	var c model.ProtocolConfig
	if err := s.orm.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err, "protocol config", id)
	}
	return &c, nil
}

// ListProtocolConfigs returns configs with the given status, or all when status is empty.
func (s *Store) ListProtocolConfigs(ctx context.Context, status model.ProtocolStatus) ([]model.ProtocolConfig, error) {
	q := s.orm.WithContext(ctx).Order("id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []model.ProtocolConfig
	err := q.Find(&out).Error
	return out, err
}

func (s *Store) CreateProtocolConfig(ctx context.Context, c *model.ProtocolConfig) error {
	return s.orm.WithContext(ctx).Create(c).Error
}
