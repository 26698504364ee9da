package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JSONMap 存储在 MySQL JSON 列中的开放元数据
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("JSONMap: 不支持的列类型")
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Merge 合并补丁，只新增/覆盖给定的 key，绝不整体替换
//
// 回调处理器、转账编排器、补单任务可能并发写 metadata，
// 合并语义保证它们互不覆盖对方写入的 key。
func (m JSONMap) Merge(patch map[string]interface{}) JSONMap {
	merged := JSONMap{}
	for k, v := range m {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// StatusChange 状态历史条目
type StatusChange struct {
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status"`
	Note           string    `json:"note,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// StatusHistory 只追加的状态历史，存储为 JSON 列
type StatusHistory []StatusChange

func (h StatusHistory) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (h *StatusHistory) Scan(value interface{}) error {
	if value == nil {
		*h = StatusHistory{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("StatusHistory: 不支持的列类型")
	}
	if len(data) == 0 {
		*h = StatusHistory{}
		return nil
	}
	return json.Unmarshal(data, h)
}
