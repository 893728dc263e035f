package payload

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lmnt-print/printhost/pkg/apierrors"
)

var testKey = bytes.Repeat([]byte{0x5A}, 32)

func open(t *testing.T, ciphertext []byte, jobID string) ([]byte, error) {
	t.Helper()
	r, err := NewReader(bytes.NewReader(ciphertext), testKey, jobID)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func TestRoundTripSizes(t *testing.T) {
	for _, size := range []int{0, 1, 15, 16, 17, 64, 1000} {
		plain := bytes.Repeat([]byte("G1 X10 Y10\n"), size)[:size]
		ct, err := Seal(plain, testKey, "job-1", Options{ChunkSize: 16})
		require.NoError(t, err)
		got, err := open(t, ct, "job-1")
		require.NoError(t, err, "size %d", size)
		require.Equal(t, plain, got, "size %d", size)
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("G1 X10 Y10 E0.5\n"), 4096)
	ct, err := Seal(plain, testKey, "job-1", Options{Compress: true})
	require.NoError(t, err)
	require.Less(t, len(ct), len(plain)/4)

	r, err := NewReader(bytes.NewReader(ct), testKey, "job-1")
	require.NoError(t, err)
	require.True(t, r.Compressed())
	require.Equal(t, DefaultChunkSize, r.ChunkSize())
}

func TestEveryBitFlipIsIntegrityError(t *testing.T) {
	ct, err := Seal([]byte("HELLO WORLD"), testKey, "job-1", Options{ChunkSize: 4})
	require.NoError(t, err)
	for i := 0; i < len(ct)*8; i++ {
		corrupt := append([]byte(nil), ct...)
		corrupt[i/8] ^= 1 << (i % 8)
		got, err := open(t, corrupt, "job-1")
		require.True(t, apierrors.HasCode(err, apierrors.CodeIntegrity), "bit %d: %v", i, err)
		require.NotEqual(t, []byte("HELLO WORLD"), got, "bit %d", i)
	}
}

func TestTruncationAndExtensionAreDetected(t *testing.T) {
	ct, err := Seal([]byte("HELLO WORLD"), testKey, "job-1", Options{ChunkSize: 4})
	require.NoError(t, err)
	sealedChunk := 4 + tagSize

	// 在块边界截断：丢失最后一块。
	_, err = open(t, ct[:HeaderSize+2*sealedChunk], "job-1")
	require.True(t, apierrors.HasCode(err, apierrors.CodeIntegrity))

	// 只有头部。
	_, err = open(t, ct[:HeaderSize], "job-1")
	require.True(t, apierrors.HasCode(err, apierrors.CodeIntegrity))

	// 头部不完整。
	_, err = NewReader(bytes.NewReader(ct[:10]), testKey, "job-1")
	require.True(t, apierrors.HasCode(err, apierrors.CodeIntegrity))

	// 追加数据。
	_, err = open(t, append(append([]byte(nil), ct...), 0x00), "job-1")
	require.True(t, apierrors.HasCode(err, apierrors.CodeIntegrity))
}

func TestWrongJobOrKeyFails(t *testing.T) {
	ct, err := Seal([]byte("HELLO WORLD"), testKey, "job-1", Options{})
	require.NoError(t, err)
	_, err = open(t, ct, "job-2")
	require.True(t, apierrors.HasCode(err, apierrors.CodeIntegrity))

	r, err := NewReader(bytes.NewReader(ct), bytes.Repeat([]byte{0x01}, 32), "job-1")
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.True(t, apierrors.HasCode(err, apierrors.CodeIntegrity))
}

func TestSourceErrorsPassThrough(t *testing.T) {
	ct, err := Seal(bytes.Repeat([]byte{'x'}, 100), testKey, "job-1", Options{ChunkSize: 16})
	require.NoError(t, err)
	boom := errors.New("connection reset")
	src := io.MultiReader(bytes.NewReader(ct[:HeaderSize+20]), &failingReader{err: boom})
	r, err := NewReader(src, testKey, "job-1")
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.ErrorIs(t, err, boom)
	require.False(t, apierrors.HasCode(err, apierrors.CodeIntegrity))
}

func TestWriterRejectsWriteAfterClose(t *testing.T) {
	var out bytes.Buffer
	w, err := NewWriter(&out, testKey, "job-1", Options{})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, err = w.Write([]byte("late"))
	require.Error(t, err)

	_, err = NewWriter(&out, testKey[:16], "job-1", Options{})
	require.Error(t, err)
	_, err = NewWriter(&out, testKey, "job-1", Options{ChunkSize: MaxChunkSize + 1})
	require.Error(t, err)
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error) { return 0, f.err }
