package api

import (
	"time"

	"github.com/buildmesh/controller/lib/catalog"
)

// buildDTO is the JSON shape served for a build. includeToken controls
// whether access_token is populated — only the submit/retry responses
// (the one moment the owner token is minted) include it.
type buildDTO struct {
	ID              string  `json:"id"`
	Platform        string  `json:"platform"`
	Status          string  `json:"status"`
	WorkerID        *string `json:"worker_id,omitempty"`
	SubmittedAt     string  `json:"submitted_at"`
	AssignedAt      *string `json:"assigned_at,omitempty"`
	StartedAt       *string `json:"started_at,omitempty"`
	LastHeartbeatAt *string `json:"last_heartbeat_at,omitempty"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	AccessToken     string  `json:"access_token,omitempty"`
}

func toBuildDTO(b *catalog.Build, includeToken bool) buildDTO {
	dto := buildDTO{
		ID:              b.ID,
		Platform:        b.Platform,
		Status:          b.Status,
		WorkerID:        b.WorkerID,
		SubmittedAt:     b.SubmittedAt.UTC().Format(time.RFC3339Nano),
		AssignedAt:      formatPtr(b.AssignedAt),
		StartedAt:       formatPtr(b.StartedAt),
		LastHeartbeatAt: formatPtr(b.LastHeartbeatAt),
		CompletedAt:     formatPtr(b.CompletedAt),
		ErrorMessage:    b.ErrorMessage,
	}
	if includeToken {
		dto.AccessToken = b.AccessToken
	}
	return dto
}

func formatPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

type workerDTO struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Status             string `json:"status"`
	BuildsCompleted    int64  `json:"builds_completed"`
	BuildsFailed       int64  `json:"builds_failed"`
	LastSeenAt         string `json:"last_seen_at"`
	AccessToken        string `json:"access_token,omitempty"`
	AccessTokenExpires string `json:"access_token_expires_at,omitempty"`
}

func toWorkerDTO(w *catalog.Worker, rawToken string) workerDTO {
	dto := workerDTO{
		ID:              w.ID,
		Name:            w.Name,
		Status:          w.Status,
		BuildsCompleted: w.BuildsCompleted,
		BuildsFailed:    w.BuildsFailed,
		LastSeenAt:      w.LastSeenAt.UTC().Format(time.RFC3339Nano),
	}
	if rawToken != "" {
		dto.AccessToken = rawToken
		dto.AccessTokenExpires = w.AccessTokenExpires.UTC().Format(time.RFC3339Nano)
	}
	return dto
}

type logEntryDTO struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

func toLogDTO(e catalog.LogEntry) logEntryDTO {
	return logEntryDTO{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Level:     e.Level,
		Message:   e.Message,
	}
}
