// Package config 加载 printhost 守护进程的 YAML 配置，并允许环境变量覆盖。
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "PRINTHOST_"

// Config 是守护进程的完整配置。
type Config struct {
	HTTPAddr string        `yaml:"http_addr"`
	LogLevel string        `yaml:"log_level"`
	Custody  CustodyConfig `yaml:"custody"`
	Source   SourceConfig  `yaml:"source"`
	Decrypt  DecryptConfig `yaml:"decrypt"`
	Exec     ExecConfig    `yaml:"exec"`
	Monitor  MonitorConfig `yaml:"monitor"`
	Report   ReportConfig  `yaml:"report"`
	Feed     FeedConfig    `yaml:"feed"`
}

// CustodyConfig 描述密钥托管服务。
type CustodyConfig struct {
	// Endpoint 支持 unix:///path、vsock://cid:port 与 host:port。
	Endpoint         string        `yaml:"endpoint"`
	DeviceID         string        `yaml:"device_id"`
	CredentialFile   string        `yaml:"credential_file"`
	CredentialTTL    time.Duration `yaml:"credential_ttl"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	RetryInitial     time.Duration `yaml:"retry_initial"`
	RetryMax         time.Duration `yaml:"retry_max"`
	RetryJitter      float64       `yaml:"retry_jitter"`
}

// SourceConfig 描述密文来源：http 或 file。
type SourceConfig struct {
	Kind           string        `yaml:"kind"`
	Root           string        `yaml:"root"`
	TokenFile      string        `yaml:"token_file"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DecryptConfig 控制下载续传与解密上限。
type DecryptConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
	MaxPlaintext int64         `yaml:"max_plaintext"`
}

// ExecConfig 描述执行组件的命令通道。
type ExecConfig struct {
	Socket      string        `yaml:"socket"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	IOTimeout   time.Duration `yaml:"io_timeout"`
}

// MonitorConfig 控制任务队列与执行轮询。
type MonitorConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxWait       time.Duration `yaml:"max_wait"`
	RecentSize    int           `yaml:"recent_size"`
	CancelTimeout time.Duration `yaml:"cancel_timeout"`
	// ProgressStep 以百分比计。
	ProgressStep     float64       `yaml:"progress_step"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// ReportConfig 控制终态上报与 outbox。
type ReportConfig struct {
	OutboxPath      string        `yaml:"outbox_path"`
	MaxAttempts     int           `yaml:"max_attempts"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// FeedConfig 描述可选的拉取式任务来源，URL 为空时只接受 HTTP 提交。
type FeedConfig struct {
	URL       string        `yaml:"url"`
	TokenFile string        `yaml:"token_file"`
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Default 返回本地开发可用的默认值。
func Default() Config {
	return Config{
		HTTPAddr: "127.0.0.1:7130",
		LogLevel: "info",
		Custody: CustodyConfig{
			Endpoint:         "unix:///run/printhost/custody.sock",
			CallTimeout:      5 * time.Second,
			MaxAttempts:      3,
			CredentialTTL:    time.Minute,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
			RetryInitial:     200 * time.Millisecond,
			RetryMax:         5 * time.Second,
			RetryJitter:      0.2,
		},
		Source: SourceConfig{
			Kind:           "http",
			ConnectTimeout: 10 * time.Second,
		},
		Decrypt: DecryptConfig{
			MaxAttempts:  4,
			StallTimeout: 30 * time.Second,
		},
		Exec: ExecConfig{
			Socket:      "/run/printhost/exec.sock",
			DialTimeout: 2 * time.Second,
			IOTimeout:   10 * time.Second,
		},
		Monitor: MonitorConfig{
			QueueSize:        16,
			PollInterval:     time.Second,
			MaxWait:          24 * time.Hour,
			RecentSize:       32,
			CancelTimeout:    5 * time.Second,
			ProgressStep:     5,
			ProgressInterval: 2 * time.Minute,
		},
		Report: ReportConfig{
			MaxAttempts:     3,
			DeliveryTimeout: 10 * time.Second,
			FlushInterval:   time.Minute,
		},
		Feed: FeedConfig{
			Interval: 5 * time.Second,
			Timeout:  10 * time.Second,
		},
	}
}

// Load 读取 path（为空则只用默认值），再应用 PRINTHOST_* 环境变量。
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查必填项与取值范围。
func (c Config) Validate() error {
	switch {
	case c.Custody.Endpoint == "":
		return errors.New("custody.endpoint is required")
	case c.Custody.DeviceID == "":
		return errors.New("custody.device_id is required")
	case c.Custody.CredentialFile == "":
		return errors.New("custody.credential_file is required")
	case c.Exec.Socket == "":
		return errors.New("exec.socket is required")
	}
	switch c.Source.Kind {
	case "http":
	case "file":
		if c.Source.Root == "" {
			return errors.New("source.root is required for file sources")
		}
	default:
		return fmt.Errorf("unknown source.kind %q", c.Source.Kind)
	}
	if c.Custody.RetryJitter < 0 || c.Custody.RetryJitter > 1 {
		return fmt.Errorf("custody.retry_jitter must be within [0,1], got %v", c.Custody.RetryJitter)
	}
	if c.Monitor.MaxWait > 0 && c.Monitor.PollInterval > c.Monitor.MaxWait {
		return errors.New("monitor.poll_interval exceeds monitor.max_wait")
	}
	if c.Monitor.ProgressStep < 0 || c.Monitor.ProgressStep > 100 {
		return fmt.Errorf("monitor.progress_step must be within [0,100], got %v", c.Monitor.ProgressStep)
	}
	if c.Feed.URL != "" && !strings.HasPrefix(c.Feed.URL, "http://") && !strings.HasPrefix(c.Feed.URL, "https://") {
		return fmt.Errorf("feed.url must be an http(s) url, got %q", c.Feed.URL)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := readString("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := readString("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := readString("CUSTODY_ENDPOINT"); v != "" {
		cfg.Custody.Endpoint = v
	}
	if v := readString("DEVICE_ID"); v != "" {
		cfg.Custody.DeviceID = v
	}
	if v := readString("CREDENTIAL_FILE"); v != "" {
		cfg.Custody.CredentialFile = v
	}
	if d := readDuration("CUSTODY_CALL_TIMEOUT"); d > 0 {
		cfg.Custody.CallTimeout = d
	}
	if v := readInt("CUSTODY_MAX_ATTEMPTS"); v > 0 {
		cfg.Custody.MaxAttempts = v
	}
	if d := readDuration("CUSTODY_RETRY_INITIAL"); d > 0 {
		cfg.Custody.RetryInitial = d
	}
	if d := readDuration("CUSTODY_RETRY_MAX"); d > 0 {
		cfg.Custody.RetryMax = d
	}
	if j := readFloat("CUSTODY_RETRY_JITTER"); j >= 0 {
		cfg.Custody.RetryJitter = j
	}
	if v := readString("SOURCE_KIND"); v != "" {
		cfg.Source.Kind = v
	}
	if v := readString("SOURCE_ROOT"); v != "" {
		cfg.Source.Root = v
	}
	if v := readString("SOURCE_TOKEN_FILE"); v != "" {
		cfg.Source.TokenFile = v
	}
	if v := readInt("DECRYPT_MAX_ATTEMPTS"); v > 0 {
		cfg.Decrypt.MaxAttempts = v
	}
	if d := readDuration("DECRYPT_STALL_TIMEOUT"); d > 0 {
		cfg.Decrypt.StallTimeout = d
	}
	if v := readString("EXEC_SOCKET"); v != "" {
		cfg.Exec.Socket = v
	}
	if v := readInt("QUEUE_SIZE"); v > 0 {
		cfg.Monitor.QueueSize = v
	}
	if d := readDuration("POLL_INTERVAL"); d > 0 {
		cfg.Monitor.PollInterval = d
	}
	if d := readDuration("MAX_WAIT"); d > 0 {
		cfg.Monitor.MaxWait = d
	}
	if p := readFloat("PROGRESS_STEP"); p >= 0 {
		cfg.Monitor.ProgressStep = p
	}
	if d := readDuration("PROGRESS_INTERVAL"); d > 0 {
		cfg.Monitor.ProgressInterval = d
	}
	if v := readString("FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := readString("FEED_TOKEN_FILE"); v != "" {
		cfg.Feed.TokenFile = v
	}
	if d := readDuration("FEED_INTERVAL"); d > 0 {
		cfg.Feed.Interval = d
	}
	if v := readString("OUTBOX_PATH"); v != "" {
		cfg.Report.OutboxPath = v
	}
	if v := readInt("REPORT_MAX_ATTEMPTS"); v > 0 {
		cfg.Report.MaxAttempts = v
	}
	if r := readFloat("REPORT_RATE_LIMIT"); r >= 0 {
		cfg.Report.RateLimit = r
	}
	if d := readDuration("REPORT_FLUSH_INTERVAL"); d > 0 {
		cfg.Report.FlushInterval = d
	}
}

func readString(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func readInt(key string) int {
	value := readString(key)
	if value == "" {
		return 0
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return v
}

func readDuration(key string) time.Duration {
	value := readString(key)
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func readFloat(key string) float64 {
	value := readString(key)
	if value == "" {
		return -1
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return -1
	}
	return v
}
