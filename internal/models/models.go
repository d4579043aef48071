package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further pipeline work is expected for the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether the catalog may move a job from s to next.
// Completed is never left. Failed may be re-entered by a retry attempt, which
// moves the job back to processing.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusProcessing || next == JobStatusCompleted || next == JobStatusFailed
	case JobStatusFailed:
		return next == JobStatusProcessing
	default:
		return false
	}
}

type DeliveryTier string

const (
	TierStandard DeliveryTier = "standard"
	TierPremium  DeliveryTier = "premium"
	TierRush     DeliveryTier = "rush"
)

func (t DeliveryTier) Valid() bool {
	switch t {
	case TierStandard, TierPremium, TierRush:
		return true
	}
	return false
}

// Resolution returns the output frame size for the tier.
func (t DeliveryTier) Resolution() (width, height int) {
	if t == TierPremium || t == TierRush {
		return 1920, 1080
	}
	return 1280, 720
}

type MusicSource string

const (
	MusicSourceLibrary  MusicSource = "library"
	MusicSourceUploaded MusicSource = "uploaded"
)

// StringList is stored as a JSON array in a text column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for StringList", value)
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

// Models

type Job struct {
	ID            uuid.UUID    `json:"id"`
	TemplateID    string       `json:"template_id"`
	SubjectName   string       `json:"subject_name"`
	BirthDate     *string      `json:"birth_date,omitempty"`
	PassedDate    *string      `json:"passed_date,omitempty"`
	Message       *string      `json:"message,omitempty"`
	MusicSource   MusicSource  `json:"music_source"`
	MusicRef      string       `json:"music_ref"`
	AssetKeys     StringList   `json:"asset_keys"`
	Tier          DeliveryTier `json:"tier"`
	NotifyAddress string       `json:"notify_address"`
	Status        JobStatus    `json:"status"`
	Progress      int          `json:"progress"`
	Attempts      int          `json:"attempts"`
	ErrorMessage  *string      `json:"error_message,omitempty"`
	FailureReason *string      `json:"failure_reason,omitempty"` // customer-facing
	OutputKey     *string      `json:"output_key,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type DownloadToken struct {
	Token       string     `json:"token"`
	JobID       uuid.UUID  `json:"job_id"`
	ExpiresAt   time.Time  `json:"expires_at"`
	AccessCount int        `json:"access_count"`
	AccessedAt  *time.Time `json:"accessed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Expired reports whether the token is no longer redeemable at now.
func (t DownloadToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// MusicSelection names the soundtrack: a library track id or an uploaded storage key.
type MusicSelection struct {
	Source MusicSource `json:"source"`
	Ref    string      `json:"ref"`
}

// JobMessage is the denormalized payload carried by the work queue. It is the
// only input a render run reads.
type JobMessage struct {
	JobID         uuid.UUID      `json:"job_id"`
	TemplateID    string         `json:"template_id"`
	SubjectName   string         `json:"subject_name"`
	BirthDate     *string        `json:"birth_date,omitempty"`
	PassedDate    *string        `json:"passed_date,omitempty"`
	Message       *string        `json:"message,omitempty"`
	Music         MusicSelection `json:"music"`
	AssetKeys     []string       `json:"asset_keys"`
	Tier          DeliveryTier   `json:"tier"`
	NotifyAddress string         `json:"notify_address"`
}

// MaxAssets bounds the photos plus clips in one order.
const MaxAssets = 40

func (m JobMessage) Validate() error {
	var problems []string
	if m.JobID == uuid.Nil {
		problems = append(problems, "job_id is required")
	}
	if strings.TrimSpace(m.TemplateID) == "" {
		problems = append(problems, "template_id is required")
	}
	if strings.TrimSpace(m.SubjectName) == "" {
		problems = append(problems, "subject_name is required")
	}
	if m.Music.Source != MusicSourceLibrary && m.Music.Source != MusicSourceUploaded {
		problems = append(problems, fmt.Sprintf("unknown music source %q", m.Music.Source))
	}
	if strings.TrimSpace(m.Music.Ref) == "" {
		problems = append(problems, "music ref is required")
	}
	if len(m.AssetKeys) == 0 {
		problems = append(problems, "at least one asset is required")
	}
	if len(m.AssetKeys) > MaxAssets {
		problems = append(problems, fmt.Sprintf("at most %d assets are allowed", MaxAssets))
	}
	for i, k := range m.AssetKeys {
		if strings.TrimSpace(k) == "" {
			problems = append(problems, fmt.Sprintf("asset %d has an empty key", i))
		}
	}
	if !m.Tier.Valid() {
		problems = append(problems, fmt.Sprintf("unknown tier %q", m.Tier))
	}
	if strings.TrimSpace(m.NotifyAddress) == "" {
		problems = append(problems, "notify_address is required")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Job builds the initial catalog row for the message.
func (m JobMessage) Job(now time.Time) *Job {
	return &Job{
		ID:            m.JobID,
		TemplateID:    m.TemplateID,
		SubjectName:   m.SubjectName,
		BirthDate:     m.BirthDate,
		PassedDate:    m.PassedDate,
		Message:       m.Message,
		MusicSource:   m.Music.Source,
		MusicRef:      m.Music.Ref,
		AssetKeys:     StringList(m.AssetKeys),
		Tier:          m.Tier,
		NotifyAddress: m.NotifyAddress,
		Status:        JobStatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// DTOs for API responses
type JobStatusResponse struct {
	JobID       uuid.UUID  `json:"job_id"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Error       *string    `json:"error,omitempty"`
	OutputKey   *string    `json:"output_key,omitempty"`
	DownloadURL *string    `json:"download_url,omitempty"`
	ExpiresAt   *time.Time `json:"download_expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type SubmitJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}
