package execchannel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lmnt-print/printhost/pkg/apierrors"
)

// ClientConfig 控制客户端超时。
type ClientConfig struct {
	SocketPath  string
	DialTimeout time.Duration
	IOTimeout   time.Duration
	Logger      *slog.Logger
}

func (c ClientConfig) normalize() ClientConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client 向执行组件发送命令，每次调用新建一个连接。
type Client struct {
	cfg    ClientConfig
	pid    int
	status singleflight.Group
}

// NewClient 创建客户端。
func NewClient(cfg ClientConfig) *Client {
	return &Client{cfg: cfg.normalize(), pid: os.Getpid()}
}

// Call 发送请求并把 data 解码到 result。服务端错误按其 code 还原为业务错误；
// 连接失败返回 UNAVAILABLE。
func (c *Client) Call(ctx context.Context, action string, request any, result any) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeUnavailable, fmt.Sprintf("connect exec channel for %q", action), err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.cfg.IOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := encode(conn, request); err != nil {
		return c.ioError(ctx, action, "write request", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}
	var resp Response
	if err := decode(conn, &resp); err != nil {
		return c.ioError(ctx, action, "read response", err)
	}
	if !resp.OK {
		code := apierrors.Code(resp.Code)
		if code == "" {
			code = apierrors.CodeProtocol
		}
		return apierrors.New(code, fmt.Sprintf("%s: %s", action, resp.Error))
	}
	if result != nil && len(resp.Data) > 0 {
		if err := Unmarshal(resp.Data, result); err != nil {
			return apierrors.Wrap(apierrors.CodeProtocol, fmt.Sprintf("decode %q response", action), err)
		}
	}
	return nil
}

func (c *Client) ioError(ctx context.Context, action, op string, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return apierrors.Wrap(apierrors.CodeUnavailable, fmt.Sprintf("%s %q", op, action), err)
}

// RegisterBuffer 宣告本进程中的描述符，执行侧获取成功后才返回。
func (c *Client) RegisterBuffer(ctx context.Context, name string, pid, fd int) error {
	var result RegisterBufferResult
	return c.Call(ctx, ActionRegisterBuffer, RegisterBufferRequest{
		Action: ActionRegisterBuffer,
		Name:   name,
		PID:    pid,
		FD:     fd,
	}, &result)
}

// PID 返回宣告时使用的本进程 pid。
func (c *Client) PID() int { return c.pid }

// StartPrint 按虚拟文件名开始执行。
func (c *Client) StartPrint(ctx context.Context, name string) error {
	return c.Call(ctx, ActionStartPrint, StartPrintRequest{Action: ActionStartPrint, Name: name}, nil)
}

// CancelPrint 取消 name 对应的执行或未启动的登记。
func (c *Client) CancelPrint(ctx context.Context, name string) error {
	return c.Call(ctx, ActionCancelPrint, CancelPrintRequest{Action: ActionCancelPrint, Name: name}, nil)
}

// Status 读取执行状态。轮询与 API 查询并发调用时合并为一次请求；
// 合并的请求不随单个调用方取消，由 IOTimeout 约束。
func (c *Client) Status(ctx context.Context) (PrintStatus, error) {
	ch := c.status.DoChan(ActionStatus, func() (any, error) {
		var st PrintStatus
		err := c.Call(context.WithoutCancel(ctx), ActionStatus, actionOnly{Action: ActionStatus}, &st)
		return st, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return PrintStatus{}, res.Err
		}
		return res.Val.(PrintStatus), nil
	case <-ctx.Done():
		return PrintStatus{}, context.Cause(ctx)
	}
}
