// Package admin serves the mptpass admin API: adapter inspection, driver
// commands, passthrough execution and firmware fault/event injection.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/mptpass/internal/adapter"
	"github.com/piwi3910/mptpass/internal/api/middleware"
	"github.com/piwi3910/mptpass/internal/cmdslot"
	"github.com/piwi3910/mptpass/internal/dispatch"
	"github.com/piwi3910/mptpass/internal/firmware"
	"github.com/piwi3910/mptpass/internal/logdata"
	"github.com/piwi3910/mptpass/internal/passthrough"
	"github.com/piwi3910/mptpass/pkg/ptapi"
	"github.com/piwi3910/mptpass/pkg/pterrors"
)

// maxBodyBytes caps request documents. Passthrough buffers are base64 inside
// JSON, so this bounds the data a single command can move.
const maxBodyBytes = 8 << 20

// Handler handles admin API requests
type Handler struct {
	adapters   *adapter.Registry
	dispatcher *dispatch.Dispatcher
}

// NewHandler creates a new admin API handler
func NewHandler(reg *adapter.Registry, d *dispatch.Dispatcher) *Handler {
	return &Handler{
		adapters:   reg,
		dispatcher: d,
	}
}

// RegisterRoutes registers admin API routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/adapters", h.ListAdapters)

	r.Route("/adapters/{id}", func(r chi.Router) {
		r.Get("/", h.GetAdapter)
		r.Get("/targets", h.ListTargets)
		r.Get("/changecount", h.GetChangeCount)

		// Log data cache
		r.Post("/logdata", h.EnableLogData)
		r.Get("/logdata", h.GetLogData)

		// Persistent event log
		r.Put("/pel", h.EnablePEL)
		r.Post("/events", h.RaiseEvent)

		// Reset and blocking
		r.Post("/reset", h.Reset)
		r.Post("/block", h.Block)
		r.Post("/unblock", h.Unblock)

		// Commands
		r.Post("/passthrough", h.Passthrough)
		r.Post("/driver", h.Driver)
		r.Post("/faults", h.InjectFaults)
	})
}

// ListAdapters lists all adapters ordered by id
func (h *Handler) ListAdapters(w http.ResponseWriter, r *http.Request) {
	list := h.adapters.List()

	out := make([]ptapi.Adapter, 0, len(list))
	for _, a := range list {
		out = append(out, summarize(a))
	}

	writeJSON(w, http.StatusOK, out)
}

// GetAdapter describes one adapter
func (h *Handler) GetAdapter(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, summarize(a))
}

// ListTargets returns the target table as the all-target-info driver command
// reports it.
func (h *Handler) ListTargets(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}

	recs, err := a.TargetRecords(r.Context(), waitMode(r))
	if err != nil {
		writeStatusError(w, err)
		return
	}

	out := make([]ptapi.Target, 0, len(recs))
	for _, rec := range recs {
		t := ptapi.Target{
			Handle:       rec.Handle,
			PersistentID: rec.PersistentID,
			TargetID:     rec.TargetID,
			BusID:        rec.BusID,
			Exposed:      rec.TargetID != adapter.TargetIDUnexposed,
		}

		if size, ok := a.DevicePageSize(rec.Handle); ok {
			t.PageSize = size
		}

		out = append(out, t)
	}

	writeJSON(w, http.StatusOK, out)
}

// GetChangeCount returns the topology change counter
func (h *Handler) GetChangeCount(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}

	cc, err := a.ChangeCount(r.Context(), waitMode(r))
	if err != nil {
		writeStatusError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ptapi.ChangeCount{ChangeCount: cc})
}

// EnableLogData turns on log data caching
func (h *Handler) EnableLogData(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}

	rec, err := a.EnableLogData(r.Context(), waitMode(r))
	if err != nil {
		writeStatusError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ptapi.LogData{
		EntrySize:  int(rec.EntrySize),
		MaxEntries: int(rec.MaxEntries),
	})
}

// GetLogData reads cached log data. The optional capacity query parameter
// bounds the bytes returned, as the caller's buffer would.
func (h *Handler) GetLogData(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}

	size := a.LogDataEntrySize()
	capacity := size * logdata.DefaultMaxEntries

	if v := r.URL.Query().Get("capacity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "Invalid capacity", http.StatusBadRequest)
			return
		}

		capacity = n
	}

	data, err := a.LogData(r.Context(), waitMode(r), capacity)
	if err != nil {
		writeStatusError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ptapi.LogData{
		Data:       data,
		Entries:    len(data) / size,
		EntrySize:  size,
		MaxEntries: logdata.DefaultMaxEntries,
	})
}

// EnablePEL starts or widens persistent event log monitoring
func (h *Handler) EnablePEL(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}

	var req ptapi.PELRequest
	if !decode(w, r, &req) {
		return
	}

	if err := a.EnablePEL(r.Context(), waitMode(r), req.Class, req.Locale); err != nil {
		writeStatusError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pelState(a))
}

// RaiseEvent raises a firmware event against the pending PEL wait
func (h *Handler) RaiseEvent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}

	var req ptapi.Event
	if !decode(w, r, &req) {
		return
	}

	delivered := a.Firmware().RaiseEvent(req.Class, req.Locale, req.Data)

	writeJSON(w, http.StatusOK, ptapi.EventResult{Delivered: delivered})
}

// Reset runs a soft or diag-fault reset
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}

	var req ptapi.ResetRequest
	if !decode(w, r, &req) {
		return
	}

	var resetType uint8

	switch req.Type {
	case ptapi.ResetSoft, "":
		resetType = adapter.ResetSoft
	case ptapi.ResetDiagFault:
		resetType = adapter.ResetDiagFault
	default:
		writeError(w, "Invalid reset type: "+req.Type, http.StatusBadRequest)
		return
	}

	if err := a.Reset(r.Context(), waitMode(r), resetType); err != nil {
		writeStatusError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summarize(a))
}

// Block stops new commands from being accepted
func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}

	a.Block()
	writeJSON(w, http.StatusOK, summarize(a))
}

// Unblock accepts commands again
func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}

	a.Unblock()
	writeJSON(w, http.StatusOK, summarize(a))
}

// Passthrough runs a passthrough command. Buffers of every type are sized by
// Length; Data seeds the to-device buffers. Content copied back by the
// command is returned for each buffer.
func (h *Handler) Passthrough(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}

	var req ptapi.PassthroughRequest
	if !decode(w, r, &req) {
		return
	}

	preq := dispatch.PassthroughRequest{
		AdapterID: a.ID(),
		Request: passthrough.Request{
			Command: req.Command,
			Timeout: time.Duration(req.Timeout),
			Mode:    cmdslot.Interruptible,
		},
	}

	if req.NonBlocking {
		preq.Mode = cmdslot.NonBlocking
	}

	regions := make([]passthrough.Bytes, len(req.Buffers))
	limit := a.Pool().Capacity()

	var total int64

	for i, b := range req.Buffers {
		bt, err := passthrough.ParseBufferType(b.Type)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if len(b.Data) > int(b.Length) {
			writeError(w, "Buffer data longer than its length", http.StatusBadRequest)
			return
		}

		// Host copies are allocated before the engine checks the pool, so
		// bound them by what the adapter could ever map.
		total += int64(b.Length)
		if total > limit {
			writeError(w, fmt.Sprintf("Buffer lengths exceed the adapter DMA limit of %d bytes", limit), http.StatusBadRequest)
			return
		}

		regions[i] = make(passthrough.Bytes, b.Length)
		copy(regions[i], b.Data)

		preq.Buffers = append(preq.Buffers, passthrough.BufferEntry{
			Region: regions[i],
			Length: b.Length,
			Type:   bt,
		})
	}

	ctx := passthrough.ContextWithRequestID(r.Context(), middleware.GetRequestID(r.Context()))

	res, err := h.dispatcher.Passthrough(ctx, &preq)
	if res == nil {
		writeStatusError(w, err)
		return
	}

	out := ptapi.PassthroughResponse{
		Status:     dispatch.Status(err),
		IOCStatus:  res.IOCStatus,
		IOCLogInfo: res.IOCLogInfo,
		ReplyValid: res.ReplyValid,
		SenseValid: res.SenseValid,
		Buffers:    make([]ptapi.BufferResult, len(req.Buffers)),
	}

	if err != nil {
		out.Error = err.Error()
	}

	for i, b := range req.Buffers {
		out.Buffers[i].Type = b.Type
		if i < len(res.Copied) && res.Copied[i] > 0 {
			out.Buffers[i].Copied = res.Copied[i]
			out.Buffers[i].Data = regions[i][:res.Copied[i]]
		}
	}

	writeJSON(w, http.StatusOK, out)
}

// Driver runs a raw driver command record
func (h *Handler) Driver(w http.ResponseWriter, r *http.Request) {
	id, ok := adapterID(w, r)
	if !ok {
		return
	}

	var req ptapi.DriverRequest
	if !decode(w, r, &req) {
		return
	}

	if req.DataInLength < 0 || req.DataInLength > maxBodyBytes {
		writeError(w, "Invalid data_in_length", http.StatusBadRequest)
		return
	}

	dreq := dispatch.DriverRequest{
		AdapterID: id,
		Opcode:    req.Opcode,
		DataOut:   req.DataOut,
		DataIn:    make([]byte, req.DataInLength),
		Mode:      cmdslot.Blocking,
	}

	if req.NonBlocking {
		dreq.Mode = cmdslot.NonBlocking
	}

	n, err := h.dispatcher.Driver(r.Context(), &dreq)
	if err != nil {
		writeStatusError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ptapi.DriverResponse{DataIn: dreq.DataIn[:n]})
}

// InjectFaults queues one-shot firmware faults for the next commands
func (h *Handler) InjectFaults(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}

	var req []ptapi.Fault
	if !decode(w, r, &req) {
		return
	}

	faults := make([]firmware.Fault, 0, len(req))
	for _, f := range req {
		faults = append(faults, firmware.Fault{
			Sense:      f.Sense,
			IOCLogInfo: f.IOCLogInfo,
			IOCStatus:  f.IOCStatus,
			Stall:      f.Stall,
			Reject:     f.Reject,
			StatusOnly: f.StatusOnly,
		})
	}

	a.Firmware().Inject(faults...)

	log.Info().Str("adapter", a.Name()).Int("faults", len(faults)).Msg("Firmware faults injected")

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) adapter(w http.ResponseWriter, r *http.Request) (*adapter.Adapter, bool) {
	id, ok := adapterID(w, r)
	if !ok {
		return nil, false
	}

	a, err := h.adapters.Get(id)
	if err != nil {
		writeStatusError(w, err)
		return nil, false
	}

	return a, true
}

func adapterID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 0 {
		writeError(w, "Invalid adapter id", http.StatusBadRequest)
		return 0, false
	}

	return id, true
}

// waitMode honors ?nonblocking=true on driver command routes.
func waitMode(r *http.Request) cmdslot.Mode {
	if v, _ := strconv.ParseBool(r.URL.Query().Get("nonblocking")); v {
		return cmdslot.NonBlocking
	}

	return cmdslot.Interruptible
}

func summarize(a *adapter.Adapter) ptapi.Adapter {
	inUse, limit := a.DMAUsage()
	stats := a.Firmware().Stats()

	out := ptapi.Adapter{
		ID:        a.ID(),
		Name:      a.Name(),
		ReplySize: a.ReplySize(),
		Targets:   len(a.Targets()),
		Blocked:   a.Blocked(),
		Resetting: a.Resetting(),
		DMABytes:  inUse,
		DMALimit:  limit,
		PEL:       pelState(a),
		Firmware: ptapi.FirmwareStats{
			Submitted: stats.Submitted,
			Completed: stats.Completed,
			Stalled:   stats.Stalled,
			Dropped:   stats.Dropped,
			Resets:    stats.Resets,
		},
	}

	if recoveries := a.Recoveries(); len(recoveries) > 0 {
		out.Recoveries = make(map[string]int64, len(recoveries))
		for cause, n := range recoveries {
			out.Recoveries[string(cause)] = n
		}
	}

	return out
}

func pelState(a *adapter.Adapter) ptapi.PELState {
	enabled, class, locale := a.PELState()
	return ptapi.PELState{Enabled: enabled, Class: class, Locale: locale}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ptapi.Error{Error: message})
}

// writeStatusError reports a classified failure with its code and signed
// status code.
func writeStatusError(w http.ResponseWriter, err error) {
	code, _ := pterrors.CodeOf(err)

	writeJSON(w, httpStatus(err), ptapi.Error{
		Error:  err.Error(),
		Code:   string(code),
		Status: pterrors.Errno(err),
	})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, pterrors.ErrNoDevice):
		return http.StatusNotFound
	case errors.Is(err, pterrors.ErrInvalidArgument), errors.Is(err, pterrors.ErrInvalidState), errors.Is(err, pterrors.ErrFault):
		return http.StatusBadRequest
	case errors.Is(err, pterrors.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, pterrors.ErrUnavailable), errors.Is(err, pterrors.ErrTransientFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, pterrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, pterrors.ErrResourceExhausted):
		return http.StatusInsufficientStorage
	case errors.Is(err, pterrors.ErrInterrupted):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
