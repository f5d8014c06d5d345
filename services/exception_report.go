package services

import (
	"fmt"
	"time"

	"github.com/ThingsPanel/modbus-cloud-adapter/cloud"
	"github.com/ThingsPanel/modbus-cloud-adapter/modbus"
	"github.com/sirupsen/logrus"
)

// ErrorPublisher 异常上报目标
type ErrorPublisher interface {
	PublishError(report interface{})
}

// ExceptionReport 上报到 <topic_root>/error 的异常信息
type ExceptionReport struct {
	DeviceID      string `json:"device_id"`
	ErrorType     string `json:"error_type"`
	ErrorMessage  string `json:"error_message"`
	FunctionCode  string `json:"function_code,omitempty"`
	ExceptionCode int    `json:"exception_code,omitempty"`
	Description   string `json:"description,omitempty"`
	Suppressed    int    `json:"suppressed,omitempty"` // 上次上报后被限流的次数
	Timestamp     string `json:"timestamp"`
}

// NewExceptionReport 构造异常数据
func NewExceptionReport(deviceID string, err error, now time.Time) ExceptionReport {
	e := modbus.Classify(err)
	if e == nil {
		e = modbus.NewError(modbus.ErrorTypeUnknown, "unknown error", nil)
	}
	report := ExceptionReport{
		DeviceID:     deviceID,
		ErrorType:    e.Type.String(),
		ErrorMessage: e.Error(),
		Timestamp:    now.Format(cloud.TimestampFormat),
	}
	if e.Type == modbus.ErrorTypeException {
		report.FunctionCode = fmt.Sprintf("0x%02X", e.FunctionCode)
		report.ExceptionCode = int(e.ExceptionCode)
		report.Description = modbus.ExceptionDescription(e.ExceptionCode)
	}
	return report
}

// ReportException 限流后上报异常，配置错误不上报
func ReportException(publisher ErrorPublisher, limiter *ReportLimiter, deviceID string, err error) bool {
	if err == nil || modbus.TypeOf(err) == modbus.ErrorTypeConfig {
		return false
	}
	ok, suppressed := limiter.Allow(deviceID)
	if !ok {
		return false
	}
	report := NewExceptionReport(deviceID, err, time.Now())
	report.Suppressed = suppressed
	publisher.PublishError(report)
	logrus.Infof("Reported Modbus exception: device=%s type=%s, message=%s", deviceID, report.ErrorType, report.ErrorMessage)
	return true
}
