package outbox

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSavePendingDelete(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.db")
	o, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, o.Save(ctx, Record{ID: "r1", Key: "k1", JobID: "job-1", Payload: []byte(`{"a":1}`), Attempts: 3, LastError: "503"}))
	require.NoError(t, o.Save(ctx, Record{ID: "r2", Key: "k2", JobID: "job-2", Payload: []byte(`{}`)}))
	// 同一幂等键不会重复入库。
	require.NoError(t, o.Save(ctx, Record{ID: "r3", Key: "k1", JobID: "job-1", Payload: []byte(`{"a":1}`), Attempts: 1, LastError: "timeout"}))

	n, err := o.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	recs, err := o.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "r1", recs[0].ID)
	require.Equal(t, 4, recs[0].Attempts)
	require.Equal(t, "timeout", recs[0].LastError)
	require.Equal(t, []byte(`{"a":1}`), recs[0].Payload)

	require.NoError(t, o.MarkAttempt(ctx, "r2", "refused"))
	require.NoError(t, o.Delete(ctx, "r1"))
	require.NoError(t, o.Close())

	// 重新打开后记录仍在。
	o, err = Open(path)
	require.NoError(t, err)
	defer o.Close()
	recs, err = o.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "r2", recs[0].ID)
	require.Equal(t, 1, recs[0].Attempts)
	require.Equal(t, "refused", recs[0].LastError)
}

func TestSaveRequiresIdentity(t *testing.T) {
	o, err := Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	defer o.Close()
	require.Error(t, o.Save(context.Background(), Record{JobID: "job"}))
}
