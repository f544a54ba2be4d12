package worker

import "github.com/ksunden/bluesky-queueserver/internal/models"

// wireCommand is a single newline-delimited JSON message sent from the
// supervisor to the worker process over its stdin pipe.
type wireCommand struct {
	Cmd    string       `json:"cmd"`
	Item   *models.Item `json:"item,omitempty"`
	Option string       `json:"option,omitempty"`
}

const (
	cmdExecute  = "execute"
	cmdPause    = "pause"
	cmdResume   = "resume"
	cmdStop     = "stop"
	cmdAbort    = "abort"
	cmdHalt     = "halt"
	cmdShutdown = "shutdown"
)

// wireEvent is a single newline-delimited JSON message sent from the worker
// process to the supervisor over its stdout pipe.
type wireEvent struct {
	Kind       string            `json:"kind"`
	ExitStatus models.ExitStatus `json:"exit_status,omitempty"`
	RunUIDs    []string          `json:"run_uids,omitempty"`
	Run        *wireRun          `json:"run,omitempty"`
	Err        string            `json:"err,omitempty"`
}

// wireRun is a single observation-run open/close notification.
type wireRun struct {
	UID        string            `json:"uid"`
	IsOpen     bool              `json:"is_open"`
	ExitStatus models.ExitStatus `json:"exit_status,omitempty"`
}

const (
	eventReady         = "ready"
	eventExited        = "exited"
	eventPlanStarted   = "plan_started"
	eventPlanPaused    = "plan_paused"
	eventPlanCompleted = "plan_completed"
	eventPlanStopped   = "plan_stopped"
	eventPlanErrored   = "plan_errored"
	eventRunEvent      = "run_event"
)
