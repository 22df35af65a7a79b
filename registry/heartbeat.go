// Package registry 向注册中心定期上报实例存活与已加载模型
package registry

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"OnnxAnomalyServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultInterval = 5 * time.Second

type RegisterRequest struct {
	Id        string   `json:"id"`
	IP        string   `json:"ip"`
	Port      int      `json:"port"`
	Device    string   `json:"device"`
	Models    []string `json:"models"`
	TimeStamp int64    `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type Options struct {
	Host     string
	Port     int
	SelfIP   string
	SelfPort int
	Device   string
	Interval time.Duration
	// Models 返回当前已加载的模型
	Models func() []string
}

// Client sends heartbeats to the registry server. It also implements the
// pipeline observer so model changes are reported without waiting a tick.
type Client struct {
	opts   Options
	id     string
	url    string
	client *resty.Client
	kick   chan struct{}
}

func New(opts Options) *Client {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Models == nil {
		opts.Models = func() []string { return nil }
	}
	return &Client{
		opts:   opts,
		id:     uuid.NewString(),
		url:    fmt.Sprintf("http://%s:%d/api/register", opts.Host, opts.Port),
		client: resty.New().SetTimeout(opts.Interval), // 总超时
		kick:   make(chan struct{}, 1),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send posts one heartbeat.
func (c *Client) Send(ctx context.Context) error {
	var respBody RegisterResponse
	reqBody := RegisterRequest{
		Id:        c.id,
		IP:        c.opts.SelfIP,
		Port:      c.opts.SelfPort,
		Device:    c.opts.Device,
		Models:    c.opts.Models(),
		TimeStamp: time.Now().Unix(),
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&respBody).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("heartbeat request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("registry returned %s: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("registry rejected heartbeat for %s", c.id)
	}
	return nil
}

// Run sends a heartbeat immediately, then on every tick or model change,
// until ctx is cancelled.
func (c *Client) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	log := logger.Named("registry")
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	safeSend := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("heartbeat panic recovered", zap.Any("panic", r))
			}
		}()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := c.Send(ctx); err != nil && ctx.Err() == nil {
			log.Error("heartbeat failed", zap.String("url", c.url), zap.Error(err))
		}
	}
	safeSend()
	for {
		select {
		case <-ctx.Done():
			log.Info("heartbeat stopped")
			return
		case <-ticker.C:
			safeSend()
		case <-c.kick:
			safeSend()
		}
	}
}

func (c *Client) ModelLoaded(string) {
	c.trigger()
}

func (c *Client) ModelUnloaded(string) {
	c.trigger()
}

func (c *Client) trigger() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}
