package model

import (
	"fmt"
	"strings"
	"time"
)

// LocalTime 以 "YYYY-MM-DD HH:MM:SS" 格式序列化时间，零值输出为 null。
type LocalTime time.Time

const timeFormat = "2006-01-02 15:04:05"

// NewLocalTime 包装 time.Time。
func NewLocalTime(t time.Time) LocalTime {
	return LocalTime(t)
}

// Time 返回底层 time.Time。
func (t LocalTime) Time() time.Time {
	return time.Time(t)
}

// MarshalJSON implements the json.Marshaler interface.
func (t LocalTime) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte("null"), nil
	}
	return []byte(fmt.Sprintf("%q", time.Time(t).Format(timeFormat))), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (t *LocalTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = LocalTime{}
		return nil
	}
	parsed, err := time.ParseInLocation(timeFormat, s, time.Local)
	if err != nil {
		return err
	}
	*t = LocalTime(parsed)
	return nil
}
