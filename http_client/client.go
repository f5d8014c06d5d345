package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RemoteConfig 平台下发的适配器配置
type RemoteConfig struct {
	TopicRoot string `json:"topic_root"`
}

type response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client 平台接口客户端
type Client struct {
	addr              string
	collection        string
	serviceIdentifier string
	http              *http.Client
}

// NewClient 创建平台客户端，addr 可以不带 http://
func NewClient(addr, collection, serviceIdentifier string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	logrus.Info("创建http客户端:", addr)
	return &Client{
		addr:              strings.TrimRight(addr, "/"),
		collection:        collection,
		serviceIdentifier: serviceIdentifier,
		http:              &http.Client{Timeout: 10 * time.Second},
	}
}

// GetAdapterConfig 获取平台上的适配器配置
func (c *Client) GetAdapterConfig(ctx context.Context) (*RemoteConfig, error) {
	req := map[string]string{"collection": c.collection, "service_identifier": c.serviceIdentifier}
	rsp, err := c.PostJson(ctx, "/api/adapter/config", req)
	if err != nil {
		return nil, fmt.Errorf("获取适配器配置失败 (请求参数：%+v): %w", req, err)
	}
	var cfg RemoteConfig
	if len(rsp.Data) > 0 {
		if err := json.Unmarshal(rsp.Data, &cfg); err != nil {
			return nil, fmt.Errorf("解析适配器配置失败: %w", err)
		}
	}
	return &cfg, nil
}

// Heartbeat 服务心跳上报
func (c *Client) Heartbeat(ctx context.Context) error {
	req := map[string]string{"service_identifier": c.serviceIdentifier}
	if _, err := c.PostJson(ctx, "/api/adapter/heartbeat", req); err != nil {
		return fmt.Errorf("服务心跳上报失败 (请求参数：%+v): %w", req, err)
	}
	return nil
}

// ServiceHeartbeat 按间隔上报心跳直到ctx结束，失败只记录日志
func (c *Client) ServiceHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 50 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Heartbeat(ctx); err != nil {
			logrus.Warn(err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// PostJson 发送json请求，平台返回 code 不为 200 时视为失败
func (c *Client) PostJson(ctx context.Context, path string, req interface{}) (*response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status: %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("Response: %s", data)

	var rsp response
	if err := json.Unmarshal(data, &rsp); err != nil {
		return nil, err
	}
	if rsp.Code != http.StatusOK {
		return nil, fmt.Errorf("code %d: %s", rsp.Code, rsp.Message)
	}
	return &rsp, nil
}
