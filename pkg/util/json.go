package util

import (
	"github.com/bytedance/sonic"
)

// Marshal 将对象序列化为JSON字节数组
func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// MarshalString 将对象序列化为JSON字符串
func MarshalString(v any) (string, error) {
	return sonic.MarshalString(v)
}

// Unmarshal 将JSON字节数组解析到指定对象
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// UnmarshalString 将JSON字符串解析到指定对象
func UnmarshalString(s string, v any) error {
	return sonic.UnmarshalString(s, v)
}

// ToMap 将对象转换为Map
func ToMap(v any) (map[string]any, error) {
	bytes, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := sonic.Unmarshal(bytes, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// FromMap 将Map转换为对象
func FromMap[T any](m map[string]any) (T, error) {
	var v T
	bytes, err := sonic.Marshal(m)
	if err != nil {
		return v, err
	}
	if err := sonic.Unmarshal(bytes, &v); err != nil {
		return v, err
	}
	return v, nil
}
