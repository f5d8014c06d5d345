package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ThingsPanel/modbus-cloud-adapter/cloud"
	"github.com/ThingsPanel/modbus-cloud-adapter/poller"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Status 状态接口需要的数据来源
type Status interface {
	Healths() []poller.Health
	Health(deviceID string) (poller.Health, bool)
	Latest(deviceID string) (map[string]poller.Reading, bool)
	Reprobe(deviceID string) error
	CloudStats() cloud.Stats
}

// Value 设备最新值
type Value struct {
	Value     interface{} `json:"value"`
	Quality   string      `json:"quality,omitempty"` // NaN、+Inf、-Inf 时 value 为 null
	Timestamp string      `json:"timestamp"`
}

// DeviceStatus 单个设备状态
type DeviceStatus struct {
	Health poller.Health    `json:"health"`
	Values map[string]Value `json:"values"`
}

// AdapterStatus 适配器整体状态
type AdapterStatus struct {
	Cloud   cloud.Stats     `json:"cloud"`
	Devices []poller.Health `json:"devices"`
}

// Server 状态HTTP服务
type Server struct {
	status Status
	srv    *http.Server
}

// New 创建状态服务
func New(addr string, status Status) *Server {
	s := &Server{status: status}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router 路由
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{id}", s.DeviceHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{id}/reprobe", s.ReprobeHandler).Methods(http.MethodPost)
	return r
}

// Start 启动服务
func (s *Server) Start() {
	go func() {
		logrus.Info("http服务启动：", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("ListenAndServe() failed, err: %v", err)
		}
	}()
}

// Shutdown 停止服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// HealthHandler 所有设备健康状态和云端连接统计
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	RspSuccess(w, AdapterStatus{Cloud: s.status.CloudStats(), Devices: s.status.Healths()})
}

// DeviceHandler 单个设备健康状态和最新值
func (s *Server) DeviceHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	health, ok := s.status.Health(id)
	if !ok {
		RspError(w, http.StatusNotFound, fmt.Errorf("device %s not found", id))
		return
	}
	latest, _ := s.status.Latest(id)
	values := make(map[string]Value, len(latest))
	for name, reading := range latest {
		value, quality := cloud.FiniteValue(reading.Value)
		values[name] = Value{Value: value, Quality: quality, Timestamp: reading.Timestamp.Format(cloud.TimestampFormat)}
	}
	RspSuccess(w, DeviceStatus{Health: health, Values: values})
}

// ReprobeHandler 手动触发重新探测
func (s *Server) ReprobeHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.status.Health(id); !ok {
		RspError(w, http.StatusNotFound, fmt.Errorf("device %s not found", id))
		return
	}
	if err := s.status.Reprobe(id); err != nil {
		RspError(w, http.StatusBadRequest, err)
		return
	}
	logrus.WithField("device", id).Info("manual reprobe requested")
	RspSuccess(w, nil)
}
