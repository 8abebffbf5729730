package model

import (
	"strings"
	"time"
)

const (
	PushWebhook = "WEBHOOK"
	PushMQTT    = "MQTT"
	PushKafka   = "KAFKA"
)

const (
	AuthNone   = "NONE"
	AuthBasic  = "BASIC"
	AuthBearer = "BEARER"
	AuthAPIKey = "API_KEY"
	AuthSign   = "SIGN"
)

// Push triggers.
const (
	TriggerPropertyReport = "PROPERTY_REPORT"
	TriggerEvent          = "EVENT"
	TriggerStatusChange   = "STATUS_CHANGE"
)

// PushConfig describes one northbound target. DataFilter and DataTransform
// hold the JSON rule documents evaluated by the push pipeline.
type PushConfig struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name          string `gorm:"column:name" json:"name"`
	PushType      string `gorm:"column:push_type" json:"pushType"`
	TargetURL     string `gorm:"column:target_url" json:"targetUrl"`
	Topic         string `gorm:"column:topic" json:"topic,omitempty"`
	ClientID      string `gorm:"column:client_id" json:"clientId,omitempty"`
	QoS           int    `gorm:"column:qos" json:"qos"`
	AuthType      string `gorm:"column:auth_type" json:"authType"`
	Username      string `gorm:"column:username" json:"username,omitempty"`
	Password      string `gorm:"column:password" json:"-"`
	Token         string `gorm:"column:token" json:"-"`
	APIKeyHeader  string `gorm:"column:api_key_header" json:"apiKeyHeader,omitempty"`
	Secret        string `gorm:"column:secret" json:"-"`
	PushTrigger   string `gorm:"column:push_trigger" json:"pushTrigger"`
	DataFilter    string `gorm:"column:data_filter" json:"dataFilter,omitempty"`
	DataTransform string `gorm:"column:data_transform" json:"dataTransform,omitempty"`
	RetryTimes    int    `gorm:"column:retry_times" json:"retryTimes"`
	TimeoutMs     int    `gorm:"column:timeout_ms" json:"timeoutMs"`
	Enabled       bool   `gorm:"column:enabled;index" json:"enabled"`
}

func (PushConfig) TableName() string { return "push_configs" }

// Triggers reports whether the config is interested in trigger.
// An empty PushTrigger means every trigger.
func (c PushConfig) Triggers(trigger string) bool {
	if strings.TrimSpace(c.PushTrigger) == "" {
		return true
	}
	for _, t := range strings.Split(c.PushTrigger, ",") {
		if strings.EqualFold(strings.TrimSpace(t), trigger) {
			return true
		}
	}
	return false
}

// PushConfigDevice is the device side of the many-to-many binding.
// A config with no rows is global.
type PushConfigDevice struct {
	ConfigID int64 `gorm:"column:config_id;primaryKey"`
	DeviceID int64 `gorm:"column:device_id;primaryKey;index"`
}

func (PushConfigDevice) TableName() string { return "push_config_devices" }

const (
	PushPending = "PENDING"
	PushSuccess = "SUCCESS"
	PushFailed  = "FAILED"
)

// PushLog is the audit record of one delivery.
type PushLog struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ConfigID     int64     `gorm:"column:config_id;index" json:"configId"`
	DeviceID     int64     `gorm:"column:device_id;index" json:"deviceId"`
	TraceID      string    `gorm:"column:trace_id" json:"traceId"`
	Trigger      string    `gorm:"column:trigger_type" json:"trigger"`
	Payload      string    `gorm:"column:payload" json:"payload"`
	Status       string    `gorm:"column:status" json:"status"`
	RetryCount   int       `gorm:"column:retry_count" json:"retryCount"`
	CostTimeMs   int64     `gorm:"column:cost_time_ms" json:"costTimeMs"`
	ErrorMessage string    `gorm:"column:error_message" json:"errorMessage,omitempty"`
	PushTime     time.Time `gorm:"column:push_time;index" json:"pushTime"`
}

func (PushLog) TableName() string { return "push_logs" }

// PushStatistic aggregates deliveries of one config for one calendar day.
type PushStatistic struct {
	ID           int64   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ConfigID     int64   `gorm:"column:config_id;uniqueIndex:idx_stat_config_day" json:"configId"`
	StatDate     string  `gorm:"column:stat_date;uniqueIndex:idx_stat_config_day" json:"statDate"`
	TotalCount   int64   `gorm:"column:total_count" json:"totalCount"`
	SuccessCount int64   `gorm:"column:success_count" json:"successCount"`
	FailedCount  int64   `gorm:"column:failed_count" json:"failedCount"`
	AvgCostTime  float64 `gorm:"column:avg_cost_time" json:"avgCostTime"`
	MaxCostTime  int64   `gorm:"column:max_cost_time" json:"maxCostTime"`
}

func (PushStatistic) TableName() string { return "push_statistics" }

// StatDay formats t as the statistic day key.
func StatDay(t time.Time) string { return t.Format("2006-01-02") }

// Apply folds one delivery into the aggregate. The average is a running mean
// over TotalCount.
func (s *PushStatistic) Apply(success bool, costMs int64) {
	s.AvgCostTime = (s.AvgCostTime*float64(s.TotalCount) + float64(costMs)) / float64(s.TotalCount+1)
	s.TotalCount++
	if success {
		s.SuccessCount++
	} else {
		s.FailedCount++
	}
	if costMs > s.MaxCostTime {
		s.MaxCostTime = costMs
	}
}
