// Package execchannel 实现打印主机与执行组件之间的本地命令通道：
// Unix socket 上每个连接一次 CBOR 请求/响应，动作名受白名单约束。
package execchannel

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// 允许的动作。
const (
	ActionRegisterBuffer = "register_buffer"
	ActionStartPrint     = "start_print"
	ActionCancelPrint    = "cancel_print"
	ActionStatus         = "status"
)

var allowedActions = map[string]struct{}{
	ActionRegisterBuffer: {},
	ActionStartPrint:     {},
	ActionCancelPrint:    {},
	ActionStatus:         {},
}

// Response 是所有动作统一的响应包。
type Response struct {
	OK    bool            `cbor:"ok"`
	Code  string          `cbor:"code,omitempty"`
	Error string          `cbor:"error,omitempty"`
	Data  cbor.RawMessage `cbor:"data,omitempty"`
}

// RegisterBufferRequest 宣告发起方进程中可供获取的缓冲区描述符。
type RegisterBufferRequest struct {
	Action string `cbor:"action"`
	Name   string `cbor:"name"`
	PID    int    `cbor:"pid"`
	FD     int    `cbor:"fd"`
}

// RegisterBufferResult 是执行侧获取成功后的回执。
type RegisterBufferResult struct {
	Name string `cbor:"name"`
	Size int64  `cbor:"size"`
}

// StartPrintRequest 按虚拟文件名启动执行。
type StartPrintRequest struct {
	Action string `cbor:"action"`
	Name   string `cbor:"name"`
}

// CancelPrintRequest 取消 Name 对应的执行；尚未启动的登记会被释放。
// Name 为空时取消当前执行。
type CancelPrintRequest struct {
	Action string `cbor:"action"`
	Name   string `cbor:"name,omitempty"`
}

type actionOnly struct {
	Action string `cbor:"action"`
}

// State 是执行组件的打印状态。
type State string

const (
	StateStandby   State = "standby"
	StatePrinting  State = "printing"
	StatePaused    State = "paused"
	StateComplete  State = "complete"
	StateCancelled State = "cancelled"
	StateError     State = "error"
)

// Active 表示正在执行。
func (s State) Active() bool { return s == StatePrinting || s == StatePaused }

// Terminal 表示本次执行已结束。
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateError
}

// PrintStatus 是 status 动作返回的执行状态，Message 非空表示出错。
type PrintStatus struct {
	State         State   `cbor:"state" json:"state"`
	Filename      string  `cbor:"filename" json:"filename"`
	Message       string  `cbor:"message" json:"message"`
	Progress      float64 `cbor:"progress" json:"progress"`
	Position      int64   `cbor:"position" json:"position"`
	Size          int64   `cbor:"size" json:"size"`
	PrintDuration float64 `cbor:"print_duration" json:"print_duration"`
	Lines         int64   `cbor:"lines" json:"lines"`
}

const maxMessageSize = 64 * 1024

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("execchannel: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 64,
	}.DecMode()
	if err != nil {
		panic("execchannel: CBOR decoder initialization failed: " + err.Error())
	}
}

func encode(w io.Writer, v any) error { return encMode.NewEncoder(w).Encode(v) }

func decode(r io.Reader, v any) error {
	return decMode.NewDecoder(io.LimitReader(r, maxMessageSize)).Decode(v)
}

// Unmarshal 解码动作专属字段。
func Unmarshal(raw []byte, v any) error { return decMode.Unmarshal(raw, v) }
