package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"model-registry/internal/config"
	"model-registry/internal/engine"
	"model-registry/internal/image"
	"model-registry/internal/monitor"
	"model-registry/internal/storage"
)

// ImageValidator checks an image against the runtime contract.
type ImageValidator interface {
	Validate(ctx context.Context, image string) error
}

// MetadataExtractor reads self-describing metadata out of an image.
type MetadataExtractor interface {
	Extract(ctx context.Context, image string) (*image.Metadata, error)
}

type Handlers struct {
	store       storage.Store
	engine      engine.Engine
	validator   ImageValidator
	extractor   MetadataExtractor
	auditWriter *storage.AuditWriter
	metrics     *monitor.Metrics
	tracer      *monitor.Tracer
	cfg         *config.Config

	// protoMu guards the per-image protocol cache. Records are immutable, so
	// the resolved protocol only needs to survive in process memory.
	protoMu   sync.RWMutex
	protocols map[string]engine.Protocol
}

func NewHandlers(cfg *config.Config, store storage.Store, eng engine.Engine, validator ImageValidator, extractor MetadataExtractor, auditWriter *storage.AuditWriter, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		store:       store,
		engine:      eng,
		validator:   validator,
		extractor:   extractor,
		auditWriter: auditWriter,
		metrics:     metrics,
		tracer:      monitor.NewTracer(),
		cfg:         cfg,
		protocols:   make(map[string]engine.Protocol),
	}
}

func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), CodeInvalidRequest, http.StatusBadRequest, r)
		return
	}

	if req.Image == "" {
		writeError(w, "image is required", CodeInvalidRequest, http.StatusBadRequest, r)
		return
	}

	name, version, err := storage.ParseRef(req.Image)
	if err != nil {
		writeError(w, err.Error(), CodeInvalidRequest, http.StatusBadRequest, r)
		return
	}
	if req.Name != "" {
		name = req.Name
	}
	if req.Version != "" {
		version = req.Version
	}
	if version == storage.VersionLatest {
		writeError(w, `version "latest" is reserved; tag the image or pass an explicit version`, CodeInvalidRequest, http.StatusBadRequest, r)
		return
	}

	logger := log.With().
		Str("request_id", RequestIDFromContext(r.Context())).
		Str("image", req.Image).
		Str("model", name+":"+version).
		Logger()

	// Cheap text check before any container work.
	if req.Dockerfile != "" {
		if reasons := image.CheckDockerfile(req.Dockerfile); len(reasons) > 0 {
			h.metrics.RecordRegistration("violation")
			h.metrics.RecordValidationFailure("dockerfile")
			writeError(w, fmt.Sprintf("Dockerfile violates the model contract: %v", reasons),
				CodeValidationViolation, http.StatusBadRequest, r)
			return
		}
	}

	if err := h.validator.Validate(r.Context(), req.Image); err != nil {
		var violation *image.Violation
		if errors.As(err, &violation) {
			logger.Info().Strs("reasons", violation.Reasons).Msg("image failed contract validation")
			h.metrics.RecordRegistration("violation")
			h.metrics.RecordValidationFailure("image_config")
			writeError(w, violation.Error(), CodeValidationViolation, http.StatusBadRequest, r)
			return
		}
		logger.Error().Err(err).Msg("image validation failed")
		h.metrics.RecordRegistration("error")
		writeError(w, "image validation failed: "+err.Error(), CodeValidationViolation, http.StatusBadRequest, r)
		return
	}

	meta, err := h.extractor.Extract(r.Context(), req.Image)
	if err != nil {
		logger.Info().Err(err).Msg("metadata extraction failed")
		h.metrics.RecordRegistration("extraction_failed")
		h.metrics.ExtractionFailures.Inc()
		writeError(w, err.Error(), CodeExtractionFailed, http.StatusBadRequest, r)
		return
	}

	// Request fields win over image-embedded metadata.
	readme := meta.Readme
	if req.Readme != "" {
		readme = req.Readme
	}
	examples := meta.Examples
	if len(req.Examples) > 0 {
		examples = req.Examples
	}

	aligned := true
	if req.AlignedOutput != nil {
		aligned = *req.AlignedOutput
	}

	record := &storage.ModelRecord{
		Name:             name,
		Version:          version,
		Image:            req.Image,
		Title:            req.Title,
		ShortDescription: req.ShortDescription,
		Authors:          req.Authors,
		Examples:         examples,
		Readme:           readme,
		AlignedOutput:    aligned,
	}

	if h.cfg.Engine.SmokeTest && len(examples) > 0 {
		if h.engine == nil {
			writeError(w, "execution engine unavailable, cannot smoke test",
				CodeEngineUnavailable, http.StatusServiceUnavailable, r)
			return
		}
		if err := h.smokeTest(r, record); err != nil {
			logger.Info().Err(err).Msg("smoke test failed")
			h.metrics.RecordRegistration("violation")
			h.metrics.RecordValidationFailure("smoke_test")
			writeError(w, "smoke test on examples failed: "+err.Error(),
				CodeValidationViolation, http.StatusBadRequest, r)
			return
		}
	}

	if err := h.store.Put(r.Context(), record); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			h.metrics.RecordRegistration("conflict")
			writeError(w, fmt.Sprintf("model %s is already registered", record.Key()),
				CodeConflict, http.StatusConflict, r)
			return
		}
		logger.Error().Err(err).Msg("storing model record failed")
		h.metrics.RecordRegistration("error")
		writeError(w, "storing model failed", CodeInternal, http.StatusInternalServerError, r)
		return
	}

	logger.Info().Msg("model registered")
	h.metrics.RecordRegistration("registered")
	writeJSON(w, http.StatusCreated, record)
}

// smokeTest runs the model once over its own examples so a broken image is
// rejected at registration instead of at first prediction.
func (h *Handlers) smokeTest(r *http.Request, record *storage.ModelRecord) error {
	result, err := h.engine.Run(r.Context(), engine.RunRequest{
		Image:         record.Image,
		Input:         record.Examples,
		AlignedOutput: record.AlignedOutput,
	})
	if err != nil {
		if result != nil && result.StderrTail != "" {
			return fmt.Errorf("%w: %s", err, result.StderrTail)
		}
		return err
	}
	h.cacheProtocol(record.Image, result.Protocol)
	return nil
}

func (h *Handlers) HandleListModels(w http.ResponseWriter, r *http.Request) {
	allVersions := r.URL.Query().Get("all") == "true"

	records, err := h.store.List(r.Context(), allVersions)
	if err != nil {
		log.Error().Err(err).Msg("listing models failed")
		writeError(w, "query failed", CodeInternal, http.StatusInternalServerError, r)
		return
	}

	summaries := make([]ModelSummary, 0, len(records))
	for i := range records {
		summaries = append(summaries, toSummary(&records[i]))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *Handlers) HandleGetModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	version := r.PathValue("version")
	if version == "" {
		version = storage.VersionLatest
	}

	record, err := h.store.Get(r.Context(), name, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, fmt.Sprintf("model %s:%s not found", name, version),
				CodeNotFound, http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Msg("fetching model failed")
		writeError(w, "query failed", CodeInternal, http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (h *Handlers) HandleDeleteModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	version := r.PathValue("version")

	if err := h.store.Delete(r.Context(), name, version); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, fmt.Sprintf("model %s:%s not found", name, version),
				CodeNotFound, http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Msg("deleting model failed")
		writeError(w, "delete failed", CodeInternal, http.StatusInternalServerError, r)
		return
	}

	log.Info().Str("model", name+":"+version).Msg("model deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandlePredict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), CodeInvalidRequest, http.StatusBadRequest, r)
		return
	}

	if req.Model == "" {
		writeError(w, "model is required", CodeInvalidRequest, http.StatusBadRequest, r)
		return
	}
	if len(req.Input) == 0 {
		writeError(w, "input must be a non-empty JSON array", CodeInvalidRequest, http.StatusBadRequest, r)
		return
	}

	name, version, err := storage.ParseRef(req.Model)
	if err != nil {
		writeError(w, err.Error(), CodeInvalidRequest, http.StatusBadRequest, r)
		return
	}

	record, err := h.store.Get(r.Context(), name, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, fmt.Sprintf("model %s:%s not found", name, version),
				CodeNotFound, http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Msg("resolving model failed")
		writeError(w, "query failed", CodeInternal, http.StatusInternalServerError, r)
		return
	}

	if h.engine == nil {
		writeError(w, "execution engine unavailable", CodeEngineUnavailable, http.StatusServiceUnavailable, r)
		return
	}

	protocol := engine.Protocol(req.Protocol)
	if protocol == "" {
		protocol = h.cachedProtocol(record.Image)
	}

	runReq := engine.RunRequest{
		Image:          record.Image,
		Input:          req.Input,
		Timeout:        req.Timeout.Duration,
		Protocol:       protocol,
		AlignedOutput:  record.AlignedOutput,
		NetworkEnabled: h.cfg.Engine.NetworkEnabled,
	}
	if req.Limits.MemoryMB > 0 {
		runReq.Limits = engine.ResourceLimits{
			CPUShares: req.Limits.CPUShares,
			MemoryMB:  req.Limits.MemoryMB,
			PidsLimit: req.Limits.PidsLimit,
			DiskMB:    req.Limits.DiskMB,
		}
	}

	h.metrics.ActiveRuns.Inc()
	defer h.metrics.ActiveRuns.Dec()
	h.metrics.InputBatchSize.Observe(float64(len(req.Input)))

	ctx, span := h.tracer.StartSpan(r.Context(), "predict",
		monitor.AttrModel.String(record.Key()),
		monitor.AttrImage.String(record.Image),
		monitor.AttrBatchSize.Int(len(req.Input)),
	)
	defer span.End()

	start := time.Now()
	result, err := h.engine.Run(ctx, runReq)
	duration := time.Since(start)

	if result != nil {
		span.SetAttributes(
			monitor.AttrRunID.String(result.ID),
			monitor.AttrExitCode.Int(result.ExitCode),
			monitor.AttrDurationMS.Int64(result.Duration.Milliseconds()),
		)
	}

	status := "succeeded"
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidRequest):
			h.metrics.RecordPrediction(record.Key(), "invalid", duration.Seconds())
			writeError(w, err.Error(), CodeInvalidRequest, http.StatusBadRequest, r)
			return
		case errors.Is(err, engine.ErrTimeout):
			status = "timeout"
			h.finishPredict(record, result, status, len(req.Input), start, r)
			h.metrics.RecordPrediction(record.Key(), status, duration.Seconds())
			writeError(w, fmt.Sprintf("prediction timed out after %s", duration.Round(time.Millisecond)),
				CodeTimeout, http.StatusGatewayTimeout, r)
			return
		case errors.Is(err, engine.ErrModelRuntime):
			status = "failed"
			h.finishPredict(record, result, status, len(req.Input), start, r)
			h.metrics.RecordPrediction(record.Key(), status, duration.Seconds())
			msg := err.Error()
			if result != nil && result.StderrTail != "" {
				msg += ": " + result.StderrTail
			}
			writeError(w, msg, CodeModelRuntimeError, http.StatusBadGateway, r)
			return
		case errors.Is(err, engine.ErrOutputShape):
			status = "shape_mismatch"
			h.finishPredict(record, result, status, len(req.Input), start, r)
			h.metrics.RecordPrediction(record.Key(), status, duration.Seconds())
			writeError(w, err.Error(), CodeOutputShapeMismatch, http.StatusBadGateway, r)
			return
		default:
			h.metrics.RecordPrediction(record.Key(), "error", duration.Seconds())
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("prediction failed")
			writeError(w, "prediction failed", CodeInternal, http.StatusInternalServerError, r)
			return
		}
	}

	h.cacheProtocol(record.Image, result.Protocol)
	h.metrics.RecordPrediction(record.Key(), status, duration.Seconds())

	out, err := json.Marshal(result.Output)
	if err != nil {
		writeError(w, "encoding output failed", CodeInternal, http.StatusInternalServerError, r)
		return
	}
	h.metrics.OutputSizeBytes.Observe(float64(len(out)))

	h.finishPredict(record, result, status, len(req.Input), start, r)

	// The response body is the bare output array.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		log.Error().Err(err).Msg("failed to write prediction response")
	}
}

func (h *Handlers) cachedProtocol(img string) engine.Protocol {
	h.protoMu.RLock()
	defer h.protoMu.RUnlock()
	if p, ok := h.protocols[img]; ok {
		return p
	}
	return engine.ProtocolAuto
}

func (h *Handlers) cacheProtocol(img string, p engine.Protocol) {
	if p != engine.ProtocolFile && p != engine.ProtocolStdout {
		return
	}
	h.protoMu.Lock()
	h.protocols[img] = p
	h.protoMu.Unlock()
}

func (h *Handlers) finishPredict(record *storage.ModelRecord, result *engine.RunResult, status string, inputRecords int, start time.Time, r *http.Request) {
	if h.auditWriter == nil {
		return
	}

	pred := &storage.PredictionRecord{
		ID:           uuid.New().String(),
		ModelName:    record.Name,
		ModelVersion: record.Version,
		Image:        record.Image,
		InputRecords: inputRecords,
		Status:       status,
		RequestIP:    r.RemoteAddr,
		CreatedAt:    start,
	}
	if result != nil {
		pred.ID = result.ID
		pred.OutputRecords = len(result.Output)
		pred.ExitCode = result.ExitCode
		pred.DurationMS = result.Duration.Milliseconds()
		pred.StderrTail = result.StderrTail
	}
	completedAt := time.Now()
	pred.CompletedAt = &completedAt

	h.auditWriter.Log(pred)
}

// HandleListPredictions exposes the prediction audit log.
func (h *Handlers) HandleListPredictions(w http.ResponseWriter, r *http.Request) {
	db, ok := h.store.(*storage.DB)
	if !ok {
		writeError(w, "audit log requires database storage", CodeEngineUnavailable, http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.PredictionFilter{
		ModelName: r.URL.Query().Get("model"),
		Status:    r.URL.Query().Get("status"),
		Limit:     100,
	}

	preds, err := db.ListPredictions(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", CodeInternal, http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, preds)
}

func toSummary(record *storage.ModelRecord) ModelSummary {
	return ModelSummary{
		Name:             record.Name,
		Version:          record.Version,
		Image:            record.Image,
		Title:            record.Title,
		ShortDescription: record.ShortDescription,
		Authors:          record.Authors,
		ExampleCount:     len(record.Examples),
		AlignedOutput:    record.AlignedOutput,
		RegisteredAt:     record.RegisteredAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
