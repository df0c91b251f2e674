package dispatcher

import (
	"context"

	"github.com/pkg/errors"

	"github.com/querydproject/queryd/pkg/queue"
)

// Code is the simplified status surfaced to API callers. It collapses
// REVOKED into the failure code for backward compatibility; the error
// text keeps the two distinguishable.
type Code int

const (
	CodePending Code = 1
	CodeStarted Code = 2
	CodeSuccess Code = 3
	CodeFailure Code = 4
)

// JobStatusView is the status shape handed to the API boundary.
type JobStatusView struct {
	ID            string `json:"id"`
	Status        Code   `json:"status"`
	UpdatedAt     int64  `json:"updated_at"`
	Error         string `json:"error,omitempty"`
	QueryResultID string `json:"query_result_id,omitempty"`
}

func codeForState(state queue.State) Code {
	switch state {
	case queue.StatePending:
		return CodePending
	case queue.StateStarted:
		return CodeStarted
	case queue.StateSuccess:
		return CodeSuccess
	case queue.StateFailure, queue.StateRevoked:
		return CodeFailure
	default:
		// Unknown states read as pending rather than failing the poll.
		return CodePending
	}
}

// Status maps the job's native state onto the simplified view.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (JobStatusView, error) {
	status, err := d.broker.Status(ctx, jobID)
	if err != nil {
		return JobStatusView{}, errors.Wrap(err, "job status")
	}

	view := JobStatusView{
		ID:        jobID,
		Status:    codeForState(status.State),
		UpdatedAt: status.StartedAt,
	}
	switch status.State {
	case queue.StateFailure:
		view.Error = status.Error
	case queue.StateRevoked:
		view.Error = CancelledError
	case queue.StateSuccess:
		view.QueryResultID = status.ResultID
	}
	return view, nil
}
