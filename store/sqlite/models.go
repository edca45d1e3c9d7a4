package sqlite

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/bozzfozz/backbeat"
	"github.com/bozzfozz/backbeat/id"
	"github.com/bozzfozz/backbeat/job"
)

type jobModel struct {
	bun.BaseModel `bun:"table:backbeat_jobs"`

	ID              string     `bun:"id,pk"`
	Name            string     `bun:"name,notnull"`
	Queue           string     `bun:"queue,notnull,default:'default'"`
	Payload         []byte     `bun:"payload"`
	State           string     `bun:"state,notnull,default:'pending'"`
	Priority        int        `bun:"priority,notnull,default:0"`
	MaxRetries      int        `bun:"max_retries,notnull,default:3"`
	RetryCount      int        `bun:"retry_count,notnull,default:0"`
	LastError       string     `bun:"last_error"`
	Note            string     `bun:"note"`
	Result          []byte     `bun:"result"`
	LockedBy        string     `bun:"locked_by"`
	LockedAt        *time.Time `bun:"locked_at"`
	CancelRequested bool       `bun:"cancel_requested"`
	RunAt           time.Time  `bun:"run_at,notnull"`
	StartedAt       *time.Time `bun:"started_at"`
	CompletedAt     *time.Time `bun:"completed_at"`
	Timeout         int64      `bun:"timeout,notnull,default:0"`
	CreatedAt       time.Time  `bun:"created_at,notnull"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:              j.ID.String(),
		Name:            j.Name,
		Queue:           j.Queue,
		Payload:         j.Payload,
		State:           string(j.State),
		Priority:        j.Priority,
		MaxRetries:      j.MaxRetries,
		RetryCount:      j.RetryCount,
		LastError:       j.LastError,
		Note:            j.Note,
		Result:          j.Result,
		LockedBy:        lockHolder(j),
		LockedAt:        j.LockedAt,
		CancelRequested: j.CancelRequested,
		RunAt:           j.RunAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		Timeout:         j.Timeout.Nanoseconds(),
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

// lockHolder renders a cleared lock as the empty string, never the
// textual form of the nil ID.
func lockHolder(j *job.Job) string {
	if j.LockedBy.IsNil() {
		return ""
	}
	return j.LockedBy.String()
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("backbeat/sqlite: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: backbeat.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              parsedID,
		Name:            m.Name,
		Queue:           m.Queue,
		Payload:         m.Payload,
		State:           job.State(m.State),
		Priority:        m.Priority,
		MaxRetries:      m.MaxRetries,
		RetryCount:      m.RetryCount,
		LastError:       m.LastError,
		Note:            m.Note,
		Result:          m.Result,
		LockedAt:        m.LockedAt,
		CancelRequested: m.CancelRequested,
		RunAt:           m.RunAt,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		Timeout:         time.Duration(m.Timeout),
	}

	if m.LockedBy != "" {
		workerID, parseErr := id.ParseWorkerID(m.LockedBy)
		if parseErr != nil {
			return nil, fmt.Errorf("backbeat/sqlite: parse locked_by %q: %w", m.LockedBy, parseErr)
		}
		j.LockedBy = workerID
	}

	return j, nil
}
