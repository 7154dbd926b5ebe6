// Package gateway is the entry point for commands: it validates submissions,
// hands them to the queue or processes them inline, and turns terminal outcomes
// into history rows and pushed events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/voicequeue/internal/broadcast"
	"github.com/ChuLiYu/voicequeue/internal/history"
	"github.com/ChuLiYu/voicequeue/internal/metrics"
	"github.com/ChuLiYu/voicequeue/internal/processor"
	"github.com/ChuLiYu/voicequeue/pkg/types"
)

const (
	AnonymousUser = "anonymous"
	// 失敗紀錄寫入歷史時使用的回應文字
	failedResponse = "Error processing command"
)

// Queue is the part of the job queue the gateway needs.
type Queue interface {
	Enqueue(job types.CommandJob) error
	Status(id types.JobID) (*types.CommandJob, error)
}

// Recorder accepts history rows without blocking.
type Recorder interface {
	Record(rec types.HistoryRecord) bool
}

// Processor runs a command inline.
type Processor interface {
	Process(ctx context.Context, req processor.Request) (types.CommandResult, error)
}

// SubmitRequest is the payload shared by queued and direct submission.
type SubmitRequest struct {
	Command   string                 `json:"command"`
	Context   map[string]interface{} `json:"context,omitempty"`
	UserID    string                 `json:"userId,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	Language  string                 `json:"language,omitempty"`
}

type SubmitResponse struct {
	JobID   types.JobID `json:"jobId"`
	Status  string      `json:"status"`
	Message string      `json:"message"`
}

type StatusResponse struct {
	JobID    types.JobID          `json:"jobId"`
	Status   types.JobState       `json:"status"`
	Progress int                  `json:"progress"`
	Attempts int                  `json:"attempts"`
	Command  string               `json:"command"`
	Result   *types.CommandResult `json:"result,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Service implements submission, status lookup and the queue's outcome hooks.
type Service struct {
	queue   Queue
	proc    Processor
	history Recorder
	hub     *broadcast.Hub
	metrics *metrics.Collector
	log     *zap.Logger
	now     func() time.Time
}

func NewService(queue Queue, proc Processor, rec Recorder, hub *broadcast.Hub,
	m *metrics.Collector, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewCollector(nil)
	}
	return &Service{
		queue:   queue,
		proc:    proc,
		history: rec,
		hub:     hub,
		metrics: m,
		log:     logger.Named("gateway"),
		now:     time.Now,
	}
}

func (s *Service) normalize(req SubmitRequest) (SubmitRequest, error) {
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		s.metrics.RecordValidationError()
		return req, fmt.Errorf("%w: command is required", types.ErrValidation)
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		req.UserID = AnonymousUser
	}
	if req.SessionID == "" {
		req.SessionID = "session_" + uuid.NewString()
	}
	if req.Context == nil {
		req.Context = map[string]interface{}{}
	}
	return req, nil
}

// Submit validates req and enqueues a job for it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	req, err := s.normalize(req)
	if err != nil {
		return SubmitResponse{}, err
	}

	job := types.CommandJob{
		ID:        types.JobID(uuid.NewString()),
		Command:   req.Command,
		Context:   req.Context,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Language:  req.Language,
	}
	if err := s.queue.Enqueue(job); err != nil {
		return SubmitResponse{}, fmt.Errorf("enqueue failed: %w", err)
	}
	s.metrics.RecordSubmitted("queued")

	s.log.Info("command queued",
		zap.String("job_id", string(job.ID)),
		zap.String("user_id", job.UserID))
	return SubmitResponse{
		JobID:   job.ID,
		Status:  string(types.StateQueued),
		Message: "Voice command queued for processing",
	}, nil
}

// Status reports a job's progress. Unknown or evicted jobs wrap types.ErrNotFound.
func (s *Service) Status(id types.JobID) (StatusResponse, error) {
	job, err := s.queue.Status(id)
	if err != nil {
		return StatusResponse{}, err
	}
	return StatusResponse{
		JobID:    job.ID,
		Status:   job.State,
		Progress: job.Progress,
		Attempts: job.Attempts,
		Command:  job.Command,
		Result:   job.Result,
		Error:    job.LastError,
	}, nil
}

// SubmitDirect processes req inline. The result goes to origin as command-result
// and to the other subscribers of the user's topic as command-broadcast. On
// failure origin receives command-error and a failed history row is written.
// origin may be nil for callers without a live connection.
func (s *Service) SubmitDirect(ctx context.Context, req SubmitRequest, origin broadcast.Conn) (types.CommandResult, error) {
	req, err := s.normalize(req)
	if err != nil {
		s.sendError(origin, req.Command, "", err)
		return types.CommandResult{}, err
	}
	s.metrics.RecordSubmitted("direct")

	start := s.now()
	result, err := s.proc.Process(ctx, processor.Request{
		Command:   req.Command,
		Language:  req.Language,
		Context:   req.Context,
		UserID:    req.UserID,
		SessionID: req.SessionID,
	})
	if err != nil {
		s.log.Warn("direct command failed", zap.String("user_id", req.UserID), zap.Error(err))
		s.recordFailure("", req.UserID, req.SessionID, req.Command, req.Language, req.Context,
			s.now().Sub(start), err)
		s.sendError(origin, req.Command, "", err)
		return types.CommandResult{}, err
	}

	if !result.Cached {
		s.recordSuccess("", req.UserID, req.SessionID, req.Context, result)
	}

	ts := s.now().UTC()
	originID := ""
	if origin != nil {
		originID = origin.ID()
		ev := broadcast.Event{Name: broadcast.EventCommandResult, Payload: map[string]interface{}{
			"command":   req.Command,
			"result":    result,
			"timestamp": ts,
		}}
		if err := origin.Send(ev); err != nil {
			s.log.Debug("origin send failed", zap.String("conn_id", originID), zap.Error(err))
		} else {
			s.metrics.RecordBroadcast(ev.Name)
		}
	}
	if s.hub != nil {
		s.hub.PublishExcept(broadcast.UserTopic(req.UserID), originID, broadcast.Event{
			Name: broadcast.EventCommandBroadcast,
			Payload: map[string]interface{}{
				"command":   req.Command,
				"result":    result,
				"userId":    req.UserID,
				"timestamp": ts,
			},
		})
	}
	return result, nil
}

// ============================================================================
// 佇列結果回呼（controller.Observer）
// ============================================================================

// OnCompleted records history for freshly computed results and pushes
// command-completed to the job owner's topic.
func (s *Service) OnCompleted(job *types.CommandJob, result types.CommandResult) {
	if job == nil {
		return
	}
	if !result.Cached {
		s.recordSuccess(job.ID, job.UserID, job.SessionID, job.Context, result)
	}
	if s.hub != nil {
		s.hub.Publish(broadcast.UserTopic(job.UserID), broadcast.Event{
			Name: broadcast.EventCommandCompleted,
			Payload: map[string]interface{}{
				"jobId":     job.ID,
				"command":   job.Command,
				"result":    result,
				"timestamp": s.now().UTC(),
			},
		})
	}
}

// OnFailed records a failed history row and pushes command-error to the owner.
func (s *Service) OnFailed(job *types.CommandJob, err error) {
	if job == nil {
		return
	}
	var elapsed time.Duration
	if job.FinishedAt != nil {
		elapsed = job.FinishedAt.Sub(job.EnqueuedAt)
	}
	s.recordFailure(job.ID, job.UserID, job.SessionID, job.Command, job.Language, job.Context, elapsed, err)
	if s.hub != nil {
		s.hub.Publish(broadcast.UserTopic(job.UserID), errorEvent(job.Command, job.ID, err, s.now()))
	}
}

func (s *Service) recordSuccess(jobID types.JobID, userID, sessionID string,
	ctx map[string]interface{}, r types.CommandResult) {
	if s.history == nil {
		return
	}
	s.history.Record(types.HistoryRecord{
		JobID:            jobID,
		UserID:           userID,
		SessionID:        sessionID,
		Command:          r.Command,
		Response:         r.Response,
		Intent:           r.Intent,
		Entities:         r.Entities.Clone(),
		Confidence:       r.Confidence,
		ProcessingTimeMs: r.ProcessingTimeMs,
		Language:         r.Language,
		Context:          ctx,
		Timestamp:        r.Timestamp,
	})
}

func (s *Service) recordFailure(jobID types.JobID, userID, sessionID, command, language string,
	ctx map[string]interface{}, elapsed time.Duration, cause error) {
	if s.history == nil {
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.history.Record(types.HistoryRecord{
		JobID:            jobID,
		UserID:           userID,
		SessionID:        sessionID,
		Command:          command,
		Response:         failedResponse,
		Intent:           history.ErrorIntent,
		Confidence:       0,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Language:         language,
		Context:          ctx,
		Error:            msg,
		Timestamp:        s.now(),
	})
}

func (s *Service) sendError(origin broadcast.Conn, command string, jobID types.JobID, err error) {
	if origin == nil {
		return
	}
	ev := errorEvent(command, jobID, err, s.now())
	if sendErr := origin.Send(ev); sendErr == nil {
		s.metrics.RecordBroadcast(ev.Name)
	}
}

func errorEvent(command string, jobID types.JobID, err error, now time.Time) broadcast.Event {
	payload := map[string]interface{}{
		"error":     clientMessage(err),
		"command":   command,
		"timestamp": now.UTC(),
	}
	if jobID != "" {
		payload["jobId"] = jobID
	}
	return broadcast.Event{Name: broadcast.EventCommandError, Payload: payload}
}

// clientMessage hides internal error detail behind the error class.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, types.ErrValidation):
		return err.Error()
	case errors.Is(err, types.ErrUpstreamUnavailable):
		return "Language model unavailable, please try again later"
	default:
		return "Failed to process voice command"
	}
}
