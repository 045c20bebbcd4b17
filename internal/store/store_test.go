package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/linchengyeyu/bambu-farm/internal/model"
)

func newTestDB(t *testing.T) *Store {
	t.Helper()
	d, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return New(d)
}

func TestPrinterStore_CreateGetListDelete(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()

	id, err := st.Printers().Create(ctx, &model.Printer{DisplayName: "P1", HostAddress: "1.2.3.4", AccessCode: "x", Serial: "S1"})
	require.NoError(t, err)

	p, err := st.Printers().Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "P1", p.DisplayName)

	all, err := st.Printers().List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, st.Printers().Delete(ctx, id))
	_, err = st.Printers().Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJobStore_Claim_OnlyOneWinner(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()

	jobID, err := st.Jobs().Create(ctx, &model.Job{SourceFilename: "a", StoredPath: "/tmp/a", Status: model.JobPending})
	require.NoError(t, err)

	ok1, err := st.Jobs().Claim(ctx, jobID, 1)
	require.NoError(t, err)
	require.True(t, ok1)

	// A second claim attempt against the same row must fail: the row is no
	// longer pending.
	ok2, err := st.Jobs().Claim(ctx, jobID, 2)
	require.NoError(t, err)
	require.False(t, ok2)

	j, err := st.Jobs().Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobUploading, j.Status)
	require.True(t, j.AssignedTo(1))
}

func TestJobStore_List_Filters(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()

	_, err := st.Jobs().Create(ctx, &model.Job{SourceFilename: "a", StoredPath: "/tmp/shared", Status: model.JobPending, Priority: 1})
	require.NoError(t, err)
	secondID, err := st.Jobs().Create(ctx, &model.Job{SourceFilename: "b", StoredPath: "/tmp/shared", Status: model.JobPending, Priority: 5})
	require.NoError(t, err)

	byStatus, err := st.Jobs().List(ctx, JobFilter{Status: model.JobPending})
	require.NoError(t, err)
	require.Len(t, byStatus, 2)
	require.Equal(t, int64(5), byStatus[0].Priority) // priority DESC, id ASC

	byPathExcludingSecond, err := st.Jobs().List(ctx, JobFilter{StoredPath: "/tmp/shared", ExcludeID: secondID})
	require.NoError(t, err)
	require.Len(t, byPathExcludingSecond, 1)
}

func TestJobStore_RetryResetsFailedJob(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()

	jobID, err := st.Jobs().Create(ctx, &model.Job{SourceFilename: "a", StoredPath: "/tmp/a", Status: model.JobPending})
	require.NoError(t, err)
	ok, err := st.Jobs().Claim(ctx, jobID, 9)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.Jobs().SetStatus(ctx, jobID, model.JobFailed))

	require.NoError(t, st.Jobs().Retry(ctx, jobID))

	j, err := st.Jobs().Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobPending, j.Status)
	require.Nil(t, j.AssignedPrinterID)
	require.Nil(t, j.CompletedAt)

	// Retrying an already-pending job is rejected.
	require.Error(t, st.Jobs().Retry(ctx, jobID))
}

func TestJobStore_RetryResetsCompletedJob(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()

	jobID, err := st.Jobs().Create(ctx, &model.Job{SourceFilename: "a", StoredPath: "/tmp/a", Status: model.JobPending})
	require.NoError(t, err)
	ok, err := st.Jobs().Claim(ctx, jobID, 9)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.Jobs().SetStatus(ctx, jobID, model.JobCompleted))

	require.NoError(t, st.Jobs().Retry(ctx, jobID))

	j, err := st.Jobs().Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobPending, j.Status)
	require.Nil(t, j.AssignedPrinterID)
	require.Nil(t, j.CompletedAt)
}
