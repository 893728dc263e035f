package keyunwrap

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lmnt-print/printhost/pkg/apierrors"
	"github.com/lmnt-print/printhost/pkg/secmem"
)

// Level 表示信封在密钥级联中的层级。
type Level string

const (
	// LevelDevice 由托管服务持有的主密钥包裹设备密钥，可跨任务复用。
	LevelDevice Level = "device"
	// LevelJob 由设备密钥包裹内容密钥，一次性。
	LevelJob Level = "job"
)

// Envelope 是一个被包裹的密钥。
type Envelope struct {
	Level Level
	KeyID string
	Blob  []byte
}

// Cascade 按解包顺序排列的信封：先设备级，再任务级。
type Cascade struct {
	Device Envelope
	Job    Envelope
}

// Validate 检查级联结构。
func (c Cascade) Validate() error {
	if c.Device.Level != LevelDevice || len(c.Device.Blob) == 0 {
		return apierrors.New(apierrors.CodeInvalidArgument, "device-level envelope is required")
	}
	if c.Job.Level != LevelJob || len(c.Job.Blob) == 0 {
		return apierrors.New(apierrors.CodeInvalidArgument, "job-level envelope is required")
	}
	return nil
}

const (
	// JobEnvelopeVersion 是任务级信封格式版本。
	JobEnvelopeVersion byte = 0x01
	// KeySize 是设备密钥与内容密钥长度。
	KeySize = chacha20poly1305.KeySize

	jobEnvelopeOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var jobKeyLabel = []byte("lmnt.job-key.v1")

// SealJobKey 用设备密钥包裹内容密钥：[version][nonce 24B][ct+tag]。
func SealJobKey(deviceKey []byte, jobID string, contentKey []byte) ([]byte, error) {
	if len(deviceKey) != KeySize || len(contentKey) != KeySize {
		return nil, fmt.Errorf("keys must be %d bytes", KeySize)
	}
	aead, err := chacha20poly1305.NewX(deviceKey)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}
	out := make([]byte, 1+len(nonce), jobEnvelopeOverhead+len(contentKey))
	out[0] = JobEnvelopeVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], contentKey, jobKeyAAD(JobEnvelopeVersion, jobID)), nil
}

// openJobKey 解开任务级信封；任何校验失败都视为篡改。
func openJobKey(deviceKey []byte, jobID string, blob []byte) (*secmem.Buffer, error) {
	if len(deviceKey) != KeySize {
		return nil, apierrors.New(apierrors.CodeEnvelope, "device key has invalid length")
	}
	if len(blob) != jobEnvelopeOverhead+KeySize {
		return nil, apierrors.New(apierrors.CodeEnvelope, fmt.Sprintf("job envelope is %d bytes, want %d", len(blob), jobEnvelopeOverhead+KeySize))
	}
	version := blob[0]
	if version != JobEnvelopeVersion {
		return nil, apierrors.New(apierrors.CodeEnvelope, fmt.Sprintf("job envelope version %d is not supported", version))
	}
	aead, err := chacha20poly1305.NewX(deviceKey)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeEnvelope, "creating XChaCha20-Poly1305 cipher", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ciphertext, jobKeyAAD(version, jobID))
	if err != nil {
		return nil, apierrors.New(apierrors.CodeEnvelope, "job envelope authentication failed")
	}
	return secmem.NewFromBytes(plain)
}

func jobKeyAAD(version byte, jobID string) []byte {
	aad := make([]byte, 0, len(jobKeyLabel)+1+len(jobID))
	aad = append(aad, jobKeyLabel...)
	aad = append(aad, version)
	return append(aad, jobID...)
}
