package dispatch

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/linchengyeyu/bambu-farm/internal/model"
	"github.com/linchengyeyu/bambu-farm/internal/store"
	"github.com/linchengyeyu/bambu-farm/internal/telemetry"
)

type fakeFleet struct {
	states  map[string]*telemetry.State
	clients map[string]telemetry.PrintPublisher
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{states: map[string]*telemetry.State{}, clients: map[string]telemetry.PrintPublisher{}}
}

func (f *fakeFleet) State(serial string) *telemetry.State { return f.states[serial] }
func (f *fakeFleet) Client(serial string) telemetry.PrintPublisher {
	c, ok := f.clients[serial]
	if !ok {
		return nil
	}
	return c
}

func (f *fakeFleet) addIdle(serial string) *telemetry.State {
	s := telemetry.NewState(serial)
	one := 1
	s.Update(telemetry.ReportFrame{GlobalStatus: &one}, time.Now())
	f.states[serial] = s
	f.clients[serial] = &fakePublisher{ok: true}
	return s
}

type fakePublisher struct{ ok bool }

func (p *fakePublisher) PublishPrint(telemetry.PrintParams) bool { return p.ok }

type fakeUploader struct{ ok bool }

func (u *fakeUploader) Upload(ctx context.Context, localPath, remoteName, host, accessCode string) bool {
	return u.ok
}

type fakeNotifier struct{ messages []string }

func (n *fakeNotifier) Notify(ctx context.Context, text string) error {
	n.messages = append(n.messages, text)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	d, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return store.New(d)
}

func TestDispatcher_HappyPath(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	printerID, err := st.Printers().Create(ctx, &model.Printer{DisplayName: "P1", HostAddress: "10.0.0.1", AccessCode: "code", Serial: "S1"})
	require.NoError(t, err)

	jobID, err := st.Jobs().Create(ctx, &model.Job{SourceFilename: "a.3mf", StoredPath: "/tmp/a.3mf", Status: model.JobPending})
	require.NoError(t, err)

	fleet := newFakeFleet()
	fleet.addIdle("S1")

	disp := New(st, fleet, &fakeUploader{ok: true}, &fakeNotifier{}, 5)

	p, err := st.Printers().Get(ctx, printerID)
	require.NoError(t, err)
	require.NoError(t, disp.processPrinter(ctx, p))

	j, err := st.Jobs().Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobUploading, j.Status)
	require.True(t, j.AssignedTo(printerID))
}

func TestDispatcher_DuplicatePathGuard(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p1ID, err := st.Printers().Create(ctx, &model.Printer{DisplayName: "P1", HostAddress: "10.0.0.1", AccessCode: "c", Serial: "S1"})
	require.NoError(t, err)
	p2ID, err := st.Printers().Create(ctx, &model.Printer{DisplayName: "P2", HostAddress: "10.0.0.2", AccessCode: "c", Serial: "S2"})
	require.NoError(t, err)

	j1ID, err := st.Jobs().Create(ctx, &model.Job{SourceFilename: "dup.3mf", StoredPath: "/tmp/dup.3mf", Status: model.JobPending})
	require.NoError(t, err)
	_, err = st.Jobs().Create(ctx, &model.Job{SourceFilename: "dup.3mf", StoredPath: "/tmp/dup.3mf", Status: model.JobPending})
	require.NoError(t, err)

	fleet := newFakeFleet()
	fleet.addIdle("S1")
	fleet.addIdle("S2")

	disp := New(st, fleet, &fakeUploader{ok: true}, &fakeNotifier{}, 5)

	p1, err := st.Printers().Get(ctx, p1ID)
	require.NoError(t, err)
	require.NoError(t, disp.processPrinter(ctx, p1))

	j1, err := st.Jobs().Get(ctx, j1ID)
	require.NoError(t, err)
	require.Equal(t, model.JobUploading, j1.Status)

	// P2's tick must not claim J2 while J1 is still uploading on the same path.
	p2, err := st.Printers().Get(ctx, p2ID)
	require.NoError(t, err)
	require.NoError(t, disp.processPrinter(ctx, p2))

	pending, err := st.Jobs().List(ctx, store.JobFilter{Status: model.JobPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestDispatcher_PriorityOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	printerID, err := st.Printers().Create(ctx, &model.Printer{DisplayName: "P1", HostAddress: "10.0.0.1", AccessCode: "c", Serial: "S1"})
	require.NoError(t, err)

	lowID, err := st.Jobs().Create(ctx, &model.Job{SourceFilename: "low", StoredPath: "/tmp/low", Status: model.JobPending, Priority: 0})
	require.NoError(t, err)
	highID, err := st.Jobs().Create(ctx, &model.Job{SourceFilename: "high", StoredPath: "/tmp/high", Status: model.JobPending, Priority: 5})
	require.NoError(t, err)
	midID, err := st.Jobs().Create(ctx, &model.Job{SourceFilename: "mid", StoredPath: "/tmp/mid", Status: model.JobPending, Priority: 1})
	require.NoError(t, err)

	fleet := newFakeFleet()
	fleet.addIdle("S1")
	disp := New(st, fleet, &fakeUploader{ok: true}, &fakeNotifier{}, 5)
	p, err := st.Printers().Get(ctx, printerID)
	require.NoError(t, err)

	// Tick 1: claims the highest priority job.
	require.NoError(t, disp.processPrinter(ctx, p))
	high, err := st.Jobs().Get(ctx, highID)
	require.NoError(t, err)
	require.Equal(t, model.JobUploading, high.Status)

	// Mark it completed to simulate the print finishing so the printer is free
	// again, and advance the other two through the same claim check directly.
	require.NoError(t, st.Jobs().SetStatus(ctx, highID, model.JobCompleted))
	require.NoError(t, disp.processPrinter(ctx, p))
	mid, err := st.Jobs().Get(ctx, midID)
	require.NoError(t, err)
	require.Equal(t, model.JobUploading, mid.Status)

	require.NoError(t, st.Jobs().SetStatus(ctx, midID, model.JobCompleted))
	require.NoError(t, disp.processPrinter(ctx, p))
	low, err := st.Jobs().Get(ctx, lowID)
	require.NoError(t, err)
	require.Equal(t, model.JobUploading, low.Status)
}

func TestDispatcher_ReconcilesCompletionAndNotifies(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	printerID, err := st.Printers().Create(ctx, &model.Printer{DisplayName: "P1", HostAddress: "10.0.0.1", AccessCode: "c", Serial: "S1"})
	require.NoError(t, err)
	printer, err := st.Printers().Get(ctx, printerID)
	require.NoError(t, err)

	jobID, err := st.Jobs().Create(ctx, &model.Job{SourceFilename: "a", StoredPath: "/tmp/a", Status: model.JobPrinting})
	require.NoError(t, err)
	j, err := st.Jobs().Get(ctx, jobID)
	require.NoError(t, err)
	j.AssignedPrinterID = &printerID
	require.NoError(t, st.Jobs().Update(ctx, j))

	fleet := newFakeFleet()
	fleet.addIdle("S1")
	notifier := &fakeNotifier{}
	disp := New(st, fleet, &fakeUploader{ok: true}, notifier, 5)

	require.NoError(t, disp.processPrinter(ctx, printer))

	reconciled, err := st.Jobs().Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, reconciled.Status)
	require.NotNil(t, reconciled.CompletedAt)
	require.Len(t, notifier.messages, 1)
}

func TestDispatcher_RunWorkerTask_SuccessReachesPrinting(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// The worker hashes the archive, so it must exist on disk.
	archive := filepath.Join(t.TempDir(), "a.3mf")
	require.NoError(t, os.WriteFile(archive, []byte("archive bytes"), 0o644))

	printerID, err := st.Printers().Create(ctx, &model.Printer{DisplayName: "P1", HostAddress: "10.0.0.1", AccessCode: "code", Serial: "S1"})
	require.NoError(t, err)
	jobID, err := st.Jobs().Create(ctx, &model.Job{SourceFilename: "a.3mf", StoredPath: archive, Status: model.JobPending})
	require.NoError(t, err)
	ok, err := st.Jobs().Claim(ctx, jobID, printerID)
	require.NoError(t, err)
	require.True(t, ok)

	fleet := newFakeFleet()
	fleet.addIdle("S1")
	notifier := &fakeNotifier{}
	disp := New(st, fleet, &fakeUploader{ok: true}, notifier, 5)

	disp.runWorkerTask(ctx, printerID, jobID)

	j, err := st.Jobs().Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobPrinting, j.Status)
	require.True(t, j.AssignedTo(printerID))
	require.Len(t, notifier.messages, 1)
}

func TestDispatcher_RunWorkerTask_UploadFailureMarksJobFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	printerID, err := st.Printers().Create(ctx, &model.Printer{DisplayName: "P1", HostAddress: "10.0.0.1", AccessCode: "code", Serial: "S1"})
	require.NoError(t, err)
	jobID, err := st.Jobs().Create(ctx, &model.Job{SourceFilename: "a.3mf", StoredPath: "/tmp/a.3mf", Status: model.JobPending})
	require.NoError(t, err)
	ok, err := st.Jobs().Claim(ctx, jobID, printerID)
	require.NoError(t, err)
	require.True(t, ok)

	fleet := newFakeFleet()
	fleet.addIdle("S1")
	notifier := &fakeNotifier{}
	// A false result here stands in for the transfer worker having already
	// exhausted its own internal retries.
	disp := New(st, fleet, &fakeUploader{ok: false}, notifier, 5)

	disp.runWorkerTask(ctx, printerID, jobID)

	j, err := st.Jobs().Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, j.Status)
	require.True(t, j.AssignedTo(printerID), "assignment is kept so the failure is attributable to this printer")
	require.Len(t, notifier.messages, 1)
}

func TestDispatcher_RunWorkerTask_PublishFailureMarksJobFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// A real archive lets the MD5 step succeed so the publish step is reached.
	archive := filepath.Join(t.TempDir(), "a.3mf")
	require.NoError(t, os.WriteFile(archive, []byte("archive bytes"), 0o644))

	printerID, err := st.Printers().Create(ctx, &model.Printer{DisplayName: "P1", HostAddress: "10.0.0.1", AccessCode: "code", Serial: "S1"})
	require.NoError(t, err)
	jobID, err := st.Jobs().Create(ctx, &model.Job{SourceFilename: "a.3mf", StoredPath: archive, Status: model.JobPending})
	require.NoError(t, err)
	ok, err := st.Jobs().Claim(ctx, jobID, printerID)
	require.NoError(t, err)
	require.True(t, ok)

	fleet := newFakeFleet()
	fleet.addIdle("S1")
	fleet.clients["S1"] = &fakePublisher{ok: false}
	notifier := &fakeNotifier{}
	disp := New(st, fleet, &fakeUploader{ok: true}, notifier, 5)

	disp.runWorkerTask(ctx, printerID, jobID)

	j, err := st.Jobs().Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, j.Status)
	require.Len(t, notifier.messages, 1)
}

func TestDispatcher_RequireConnectedBlocksDisconnectedIdleState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	printerID, err := st.Printers().Create(ctx, &model.Printer{DisplayName: "P1", HostAddress: "10.0.0.1", AccessCode: "c", Serial: "S1"})
	require.NoError(t, err)
	_, err = st.Jobs().Create(ctx, &model.Job{SourceFilename: "a", StoredPath: "/tmp/a", Status: model.JobPending})
	require.NoError(t, err)

	fleet := newFakeFleet()
	s := fleet.addIdle("S1") // idle, but never marked connected

	disp := New(st, fleet, &fakeUploader{ok: true}, &fakeNotifier{}, 5, WithRequireConnected())
	p, err := st.Printers().Get(ctx, printerID)
	require.NoError(t, err)
	require.NoError(t, disp.processPrinter(ctx, p))

	pending, err := st.Jobs().List(ctx, store.JobFilter{Status: model.JobPending})
	require.NoError(t, err)
	require.Len(t, pending, 1, "job must not be claimed while the telemetry session is disconnected")

	s.SetConnected(true)
	require.NoError(t, disp.processPrinter(ctx, p))
	pending, err = st.Jobs().List(ctx, store.JobFilter{Status: model.JobPending})
	require.NoError(t, err)
	require.Len(t, pending, 0, "job must be claimed once the session reports connected")
}

func TestDispatcher_NotReadyPrinterIsSkipped(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	printerID, err := st.Printers().Create(ctx, &model.Printer{DisplayName: "P1", HostAddress: "10.0.0.1", AccessCode: "c", Serial: "S1"})
	require.NoError(t, err)
	_, err = st.Jobs().Create(ctx, &model.Job{SourceFilename: "a", StoredPath: "/tmp/a", Status: model.JobPending})
	require.NoError(t, err)

	fleet := newFakeFleet()
	s := telemetry.NewState("S1")
	six := 6
	s.Update(telemetry.ReportFrame{GlobalStatus: &six}, time.Now())
	fleet.states["S1"] = s
	fleet.clients["S1"] = &fakePublisher{ok: true}

	disp := New(st, fleet, &fakeUploader{ok: true}, &fakeNotifier{}, 5)
	p, err := st.Printers().Get(ctx, printerID)
	require.NoError(t, err)
	require.NoError(t, disp.processPrinter(ctx, p))

	pending, err := st.Jobs().List(ctx, store.JobFilter{Status: model.JobPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
}
