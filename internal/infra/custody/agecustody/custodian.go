// Package agecustody 用 age X25519 身份实现设备级信封的托管解包。
package agecustody

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"filippo.io/age"

	"github.com/lmnt-print/printhost/internal/infra/custody"
	"github.com/lmnt-print/printhost/pkg/apierrors"
	"github.com/lmnt-print/printhost/pkg/secmem"
)

const (
	deviceKeyLabel = "lmnt.device-key.v1"
	// DeviceKeySize 是设备密钥长度。
	DeviceKeySize = 32
	maxEnvelope   = 64 * 1024
)

// Custodian 持有主解包身份与已注册设备凭据。
type Custodian struct {
	identities []age.Identity

	mu      sync.RWMutex
	devices map[string][]byte
}

// New 构造 Custodian。
func New(identities ...age.Identity) (*Custodian, error) {
	if len(identities) == 0 {
		return nil, errors.New("at least one age identity is required")
	}
	return &Custodian{identities: identities, devices: make(map[string][]byte)}, nil
}

// LoadIdentityFile 读取 age 身份文件。
func LoadIdentityFile(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return ids, nil
}

// RegisterDevice 登记设备凭据，重复登记覆盖旧值。
func (c *Custodian) RegisterDevice(deviceID, credential string) error {
	if deviceID == "" || credential == "" {
		return errors.New("device id and credential are required")
	}
	c.mu.Lock()
	c.devices[deviceID] = []byte(credential)
	c.mu.Unlock()
	return nil
}

// LoadDevices 读取 "device-id credential" 每行一条的登记文件。
func (c *Custodian) LoadDevices(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read device registry: %w", err)
	}
	defer secmem.Zero(raw)
	for i, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, cred, ok := strings.Cut(line, " ")
		if !ok {
			return fmt.Errorf("device registry line %d: expected \"<device-id> <credential>\"", i+1)
		}
		if err := c.RegisterDevice(strings.TrimSpace(id), strings.TrimSpace(cred)); err != nil {
			return fmt.Errorf("device registry line %d: %w", i+1, err)
		}
	}
	return nil
}

// Unwrap 实现 custody.Provider。
func (c *Custodian) Unwrap(ctx context.Context, req custody.UnwrapRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	expected, ok := c.devices[req.DeviceID]
	c.mu.RUnlock()
	if !ok || subtle.ConstantTimeCompare(expected, req.Credential) != 1 {
		return nil, apierrors.New(apierrors.CodeAuth, "device credential rejected")
	}
	if len(req.Envelope) == 0 || len(req.Envelope) > maxEnvelope {
		return nil, apierrors.New(apierrors.CodeEnvelope, "device envelope has invalid size")
	}
	reader, err := age.Decrypt(bytes.NewReader(req.Envelope), c.identities...)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeEnvelope, "device envelope not decryptable", err)
	}
	plain, err := io.ReadAll(io.LimitReader(reader, maxEnvelope))
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeEnvelope, "device envelope corrupted", err)
	}
	defer secmem.Zero(plain)
	key, err := parsePlain(plain, req.DeviceID)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// WrapDeviceKey 将设备密钥绑定到设备 id 并加密给托管方身份。
func WrapDeviceKey(recipient age.Recipient, deviceID string, key []byte) ([]byte, error) {
	if len(key) != DeviceKeySize {
		return nil, fmt.Errorf("device key must be %d bytes, got %d", DeviceKeySize, len(key))
	}
	if deviceID == "" || strings.ContainsRune(deviceID, 0) {
		return nil, errors.New("invalid device id")
	}
	plain := make([]byte, 0, len(deviceKeyLabel)+len(deviceID)+2+len(key))
	plain = append(plain, deviceKeyLabel...)
	plain = append(plain, 0)
	plain = append(plain, deviceID...)
	plain = append(plain, 0)
	plain = append(plain, key...)
	defer secmem.Zero(plain)

	var out bytes.Buffer
	w, err := age.Encrypt(&out, recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	return out.Bytes(), nil
}

func parsePlain(plain []byte, deviceID string) ([]byte, error) {
	parts := bytes.SplitN(plain, []byte{0}, 3)
	if len(parts) != 3 || string(parts[0]) != deviceKeyLabel {
		return nil, apierrors.New(apierrors.CodeEnvelope, "device envelope has unknown layout")
	}
	if subtle.ConstantTimeCompare(parts[1], []byte(deviceID)) != 1 {
		return nil, apierrors.New(apierrors.CodeEnvelope, "device envelope targets a different device")
	}
	if len(parts[2]) != DeviceKeySize {
		return nil, apierrors.New(apierrors.CodeEnvelope, "device key has invalid length")
	}
	return append([]byte(nil), parts[2]...), nil
}
