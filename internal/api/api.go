// Package api is the HTTP request surface for the dispatch core: printer
// and job CRUD, fleet status, and dispatcher pause/resume control.
package api

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/linchengyeyu/bambu-farm/engine"
	"github.com/linchengyeyu/bambu-farm/internal/dispatch"
	"github.com/linchengyeyu/bambu-farm/internal/model"
	"github.com/linchengyeyu/bambu-farm/internal/store"
	"github.com/linchengyeyu/bambu-farm/internal/telemetry"
	"github.com/linchengyeyu/bambu-farm/internal/transfer"
)

// maxRepeatCount bounds the repeat_count form field so a typo can't queue
// an unbounded number of job rows off one upload.
const maxRepeatCount = 50

// Module wires the HTTP surface to the store, fleet and dispatcher.
type Module struct {
	db         *sql.DB
	store      *store.Store
	fleet      *telemetry.Fleet
	dispatcher *dispatch.Dispatcher
	uploadsDir string
}

func New(db *sql.DB, st *store.Store, fleet *telemetry.Fleet, disp *dispatch.Dispatcher, uploadsDir string) *Module {
	return &Module{db: db, store: st, fleet: fleet, dispatcher: disp, uploadsDir: uploadsDir}
}

func (m *Module) AttachRoutes(r *engine.Router) {
	r.HandleFunc(http.MethodGet, "/healthz", engine.ServeHealthProbe(m.db))

	r.Handle(http.MethodGet, "/api/printers", m.listPrinters)
	r.Handle(http.MethodPost, "/api/printers", m.createPrinter)
	r.Handle(http.MethodDelete, "/api/printers/:id", m.deletePrinter)

	r.Handle(http.MethodGet, "/api/jobs", m.listJobs)
	r.Handle(http.MethodPost, "/api/jobs", m.createJob)
	r.Handle(http.MethodPatch, "/api/jobs/:id", m.patchJob)
	r.Handle(http.MethodDelete, "/api/jobs/:id", m.deleteJob)
	r.Handle(http.MethodPost, "/api/jobs/:id/retry", m.retryJob)

	r.Handle(http.MethodGet, "/api/status", m.status)
	r.Handle(http.MethodPost, "/api/control/pause", m.setPaused(true))
	r.Handle(http.MethodPost, "/api/control/resume", m.setPaused(false))
}

func parseID(ps httprouter.Params) (int64, error) {
	return strconv.ParseInt(ps.ByName("id"), 10, 64)
}

type printerView struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	HostAddress string `json:"host_address"`
	Serial      string `json:"serial"`
	CreatedAt   string `json:"created_at"`
}

func toPrinterView(p *model.Printer) printerView {
	return printerView{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		HostAddress: p.HostAddress,
		Serial:      p.Serial,
		CreatedAt:   p.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

func (m *Module) listPrinters(req *http.Request, _ httprouter.Params) engine.Response {
	printers, err := m.store.Printers().List(req.Context())
	if err != nil {
		return engine.Error(err)
	}
	views := make([]printerView, 0, len(printers))
	for _, p := range printers {
		views = append(views, toPrinterView(p))
	}
	return engine.JSON(views)
}

type createPrinterRequest struct {
	DisplayName string `json:"display_name"`
	HostAddress string `json:"host_address"`
	AccessCode  string `json:"access_code"`
	Serial      string `json:"serial"`
}

func (m *Module) createPrinter(req *http.Request, _ httprouter.Params) engine.Response {
	var body createPrinterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return engine.ClientErrorf(http.StatusBadRequest, "invalid request body: %s", err)
	}
	if body.HostAddress == "" || body.Serial == "" {
		return engine.ClientErrorf(http.StatusBadRequest, "host_address and serial are required")
	}

	p := &model.Printer{
		DisplayName: body.DisplayName,
		HostAddress: body.HostAddress,
		AccessCode:  body.AccessCode,
		Serial:      body.Serial,
	}
	id, err := m.store.Printers().Create(req.Context(), p)
	if err != nil {
		return engine.Error(err)
	}
	p.ID = id

	m.fleet.AddPrinter(p.HostAddress, p.AccessCode, p.Serial)
	return engine.JSON(toPrinterView(p))
}

// deletePrinter tears down the printer's telemetry session eagerly before
// removing the row, so no orphaned MQTT session outlives its printer.
func (m *Module) deletePrinter(req *http.Request, ps httprouter.Params) engine.Response {
	id, err := parseID(ps)
	if err != nil {
		return engine.ClientErrorf(http.StatusBadRequest, "invalid printer id")
	}

	p, err := m.store.Printers().Get(req.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			return engine.NotFoundf("printer %d not found", id)
		}
		return engine.Error(err)
	}

	m.fleet.RemovePrinter(p.Serial)
	if err := m.store.Printers().Delete(req.Context(), id); err != nil {
		return engine.Error(err)
	}
	return engine.Empty()
}

type jobView struct {
	ID                 int64   `json:"id"`
	SourceFilename     string  `json:"source_filename"`
	Status             string  `json:"status"`
	Priority           int64   `json:"priority"`
	AssignedPrinterID  *int64  `json:"assigned_printer_id,omitempty"`
	ThumbnailRef       string  `json:"thumbnail_ref,omitempty"`
	EstimatedDuration  *int64  `json:"estimated_duration_seconds,omitempty"`
	BedLevelling       bool    `json:"bed_levelling"`
	FlowCalibration    bool    `json:"flow_calibration"`
	Timelapse          bool    `json:"timelapse"`
	UseMaterialSystem  bool    `json:"use_material_system"`
}

func toJobView(j *model.Job) jobView {
	return jobView{
		ID:                j.ID,
		SourceFilename:    j.SourceFilename,
		Status:            string(j.Status),
		Priority:          j.Priority,
		AssignedPrinterID: j.AssignedPrinterID,
		ThumbnailRef:      j.ThumbnailRef,
		EstimatedDuration: j.EstimatedDurationS,
		BedLevelling:      j.BedLevelling,
		FlowCalibration:   j.FlowCalibration,
		Timelapse:         j.Timelapse,
		UseMaterialSystem: j.UseMaterialSystem,
	}
}

func (m *Module) listJobs(req *http.Request, _ httprouter.Params) engine.Response {
	filter := store.JobFilter{}
	if status := req.URL.Query().Get("status"); status != "" {
		filter.Status = model.JobStatus(status)
	}
	jobs, err := m.store.Jobs().List(req.Context(), filter)
	if err != nil {
		return engine.Error(err)
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, toJobView(j))
	}
	return engine.JSON(views)
}

// createJob accepts a multipart upload of the printable archive plus job
// parameters, stores the archive under a random UUID-based name, extracts
// whatever plate thumbnail/duration metadata is present, and creates one
// job row per repeat_count (default 1) pending dispatch. Every repeat
// shares the same stored archive; the dispatcher's duplicate-path guard
// keeps two of them from uploading at the same time.
func (m *Module) createJob(req *http.Request, _ httprouter.Params) engine.Response {
	if err := req.ParseMultipartForm(64 << 20); err != nil {
		return engine.ClientErrorf(http.StatusBadRequest, "invalid multipart form: %s", err)
	}

	file, header, err := req.FormFile("archive")
	if err != nil {
		return engine.ClientErrorf(http.StatusBadRequest, "archive file is required: %s", err)
	}
	defer file.Close()

	storedName := uuid.NewString() + filepath.Ext(header.Filename)
	storedPath := filepath.Join(m.uploadsDir, storedName)

	out, err := os.Create(storedPath)
	if err != nil {
		return engine.Error(err)
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		return engine.Error(err)
	}
	out.Close()

	thumbnailRef := m.extractThumbnail(storedPath)
	var estimatedDuration *int64
	if seconds, ok, _ := transfer.ExtractEstimatedDuration(storedPath); ok {
		estimatedDuration = &seconds
	}

	repeatCount, _ := strconv.ParseInt(req.FormValue("repeat_count"), 10, 64)
	if repeatCount < 1 {
		repeatCount = 1
	}
	if repeatCount > maxRepeatCount {
		repeatCount = maxRepeatCount
	}

	priority, _ := strconv.ParseInt(req.FormValue("priority"), 10, 64)
	template := model.Job{
		SourceFilename:     header.Filename,
		StoredPath:         storedPath,
		Status:             model.JobPending,
		Priority:           priority,
		BedLevelling:       req.FormValue("bed_levelling") == "true",
		FlowCalibration:    req.FormValue("flow_calibration") == "true",
		Timelapse:          req.FormValue("timelapse") == "true",
		UseMaterialSystem:  req.FormValue("use_material_system") == "true",
		ThumbnailRef:       thumbnailRef,
		EstimatedDurationS: estimatedDuration,
	}

	views := make([]jobView, 0, repeatCount)
	for i := int64(0); i < repeatCount; i++ {
		job := template
		id, err := m.store.Jobs().Create(req.Context(), &job)
		if err != nil {
			return engine.Error(err)
		}
		job.ID = id
		views = append(views, toJobView(&job))
	}
	if repeatCount == 1 {
		return engine.JSON(views[0])
	}
	return engine.JSON(views)
}

// extractThumbnail pulls the archive's first-plate PNG, if any, and saves
// it under uploadsDir keyed by its content digest so identical thumbnails
// across repeat uploads share one file. Failure is logged, not fatal to
// job creation.
func (m *Module) extractThumbnail(storedPath string) string {
	data, ok, err := transfer.ExtractPlateThumbnail(storedPath)
	if err != nil || !ok {
		return ""
	}
	ref := transfer.ContentDigest(data) + ".png"
	dest := filepath.Join(m.uploadsDir, "thumbnails", ref)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return ""
	}
	if _, err := os.Stat(dest); err == nil {
		return ref
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return ""
	}
	return ref
}

type patchJobRequest struct {
	Priority *int64 `json:"priority"`
}

func (m *Module) patchJob(req *http.Request, ps httprouter.Params) engine.Response {
	id, err := parseID(ps)
	if err != nil {
		return engine.ClientErrorf(http.StatusBadRequest, "invalid job id")
	}

	var body patchJobRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return engine.ClientErrorf(http.StatusBadRequest, "invalid request body: %s", err)
	}

	j, err := m.store.Jobs().Get(req.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			return engine.NotFoundf("job %d not found", id)
		}
		return engine.Error(err)
	}

	if body.Priority != nil {
		j.Priority = *body.Priority
	}
	if err := m.store.Jobs().Update(req.Context(), j); err != nil {
		return engine.Error(err)
	}
	return engine.JSON(toJobView(j))
}

// deleteJob removes the job row and, if no other job references the same
// stored_path, the underlying archive file too.
func (m *Module) deleteJob(req *http.Request, ps httprouter.Params) engine.Response {
	id, err := parseID(ps)
	if err != nil {
		return engine.ClientErrorf(http.StatusBadRequest, "invalid job id")
	}

	ctx := req.Context()
	j, err := m.store.Jobs().Get(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return engine.NotFoundf("job %d not found", id)
		}
		return engine.Error(err)
	}

	if err := m.store.Jobs().Delete(ctx, id); err != nil {
		return engine.Error(err)
	}

	others, err := m.store.Jobs().List(ctx, store.JobFilter{StoredPath: j.StoredPath})
	if err == nil && len(others) == 0 {
		_ = os.Remove(j.StoredPath)
	}
	return engine.Empty()
}

func (m *Module) retryJob(req *http.Request, ps httprouter.Params) engine.Response {
	id, err := parseID(ps)
	if err != nil {
		return engine.ClientErrorf(http.StatusBadRequest, "invalid job id")
	}
	if err := m.store.Jobs().Retry(req.Context(), id); err != nil {
		return engine.ClientErrorf(http.StatusConflict, "%s", err)
	}
	j, err := m.store.Jobs().Get(req.Context(), id)
	if err != nil {
		return engine.Error(err)
	}
	return engine.JSON(toJobView(j))
}

type statusView struct {
	Paused   bool                 `json:"paused"`
	Printers []telemetry.Snapshot `json:"printers"`
}

func (m *Module) status(req *http.Request, _ httprouter.Params) engine.Response {
	return engine.JSON(statusView{
		Paused:   m.dispatcher.Paused(),
		Printers: m.fleet.Snapshots(),
	})
}

func (m *Module) setPaused(paused bool) engine.Handler {
	return func(req *http.Request, _ httprouter.Params) engine.Response {
		m.dispatcher.SetPaused(paused)
		return engine.Empty()
	}
}
