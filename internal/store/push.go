package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"iot-gateway/internal/model"
)

// ListEnabledConfigsForDevice returns enabled push configs bound to deviceID.
func (s *Store) ListEnabledConfigsForDevice(ctx context.Context, deviceID int64) ([]model.PushConfig, error) {
	var out []model.PushConfig
	err := s.orm.WithContext(ctx).
		Joins("JOIN push_config_devices pcd ON pcd.config_id = push_configs.id").
		Where("pcd.device_id = ? AND push_configs.enabled = ?", deviceID, true).
		Order("push_configs.id").
		Find(&out).Error
	return out, err
}

// ListGlobalConfigs returns enabled push configs that are bound to no device.
func (s *Store) ListGlobalConfigs(ctx context.Context) ([]model.PushConfig, error) {
	var out []model.PushConfig
	bound := s.orm.Model(&model.PushConfigDevice{}).Select("config_id")
	err := s.orm.WithContext(ctx).
		Where("enabled = ? AND id NOT IN (?)", true, bound).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *Store) GetPushConfig(ctx context.Context, id int64) (*model.PushConfig, error) {
	var c model.PushConfig
	if err := s.orm.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err, "push config", id)
	}
	return &c, nil
}

// CreatePushConfig stores cfg and binds it to deviceIDs. With no device ids the
// config is global.
func (s *Store) CreatePushConfig(ctx context.Context, cfg *model.PushConfig, deviceIDs ...int64) error {
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(cfg).Error; err != nil {
			return err
		}
		for _, id := range deviceIDs {
			if err := tx.Create(&model.PushConfigDevice{ConfigID: cfg.ID, DeviceID: id}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SavePushLog inserts entry, or updates it when it already has an id.
func (s *Store) SavePushLog(ctx context.Context, entry *model.PushLog) error {
	return s.orm.WithContext(ctx).Save(entry).Error
}

func (s *Store) ListPushLogs(ctx context.Context, configID int64) ([]model.PushLog, error) {
	var out []model.PushLog
	err := s.orm.WithContext(ctx).
		Where("config_id = ?", configID).
		Order("id").
		Find(&out).Error
	return out, err
}

// UpsertDailyStatistic folds one delivery into the statistic row of the day of at.
func (s *Store) UpsertDailyStatistic(ctx context.Context, configID int64, success bool, costMs int64, at time.Time) error {
	day := model.StatDay(at)

	s.statMu.Lock()
	defer s.statMu.Unlock()

	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stat model.PushStatistic
		err := tx.Where("config_id = ? AND stat_date = ?", configID, day).First(&stat).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			stat = model.PushStatistic{ConfigID: configID, StatDate: day}
		case err != nil:
			return err
		}
		stat.Apply(success, costMs)
		return tx.Save(&stat).Error
	})
}

func (s *Store) GetDailyStatistic(ctx context.Context, configID int64, at time.Time) (*model.PushStatistic, error) {
	var stat model.PushStatistic
	err := s.orm.WithContext(ctx).
		Where("config_id = ? AND stat_date = ?", configID, model.StatDay(at)).
		First(&stat).Error
	if err != nil {
		return nil, notFound(err, "push statistic", configID)
	}
	return &stat, nil
}
