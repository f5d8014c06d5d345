package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// 响应结构 {code, message, data}
type rspMessage struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RspError 返回错误信息，code 同时作为HTTP状态码
func RspError(w http.ResponseWriter, code int, err error) {
	write(w, code, rspMessage{Code: code, Message: err.Error()})
}

// RspSuccess 返回成功信息
func RspSuccess(w http.ResponseWriter, d interface{}) {
	write(w, http.StatusOK, rspMessage{Code: http.StatusOK, Message: "success", Data: d})
}

// write 先编码再写状态码，编码失败时返回 500
func write(w http.ResponseWriter, status int, rsp rspMessage) {
	body, err := json.Marshal(rsp)
	if err != nil {
		logrus.Warnf("编码响应失败: %v", err)
		status = http.StatusInternalServerError
		body, _ = json.Marshal(rspMessage{Code: status, Message: err.Error()})
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		logrus.Warnf("写入响应失败: %v", err)
	}
}
