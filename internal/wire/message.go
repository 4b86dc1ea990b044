// Package wire implements the broker's frame transport encoding (spec §4.F,
// §6): message types, the length-prefixed frame format, and the binary and
// JSON payload codecs. The enumeration and frame layout are bit-exact with
// the reference implementation this broker was ported from, so a capture of
// wire traffic from either side decodes identically.
package wire

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmguard/taskqueue/internal/domain"
)

// MessageType is the frame's one-byte discriminator. Ordinals are fixed and
// must never be renumbered: a deployed worker and broker negotiate nothing
// beyond this byte.
type MessageType uint8

const (
	SubmitTask MessageType = iota // 0
	ClaimTask                     // 1
	TaskResult                    // 2
	Heartbeat                     // 3
	QueryStatus                   // 4
	Ack                           // 5
	Nack                          // 6
	CancelTask                    // 7
	ListTasks                     // 8
	GetStats                      // 9
	TaskAssigned          // 10
	TaskUpdate            // 11
	WorkerRegistration    // 12
	WorkerDeregistration  // 13
	ErrorMsg              // 14
	Ping                  // 15
	Pong                  // 16
)

func (m MessageType) String() string {
	switch m {
	case SubmitTask:
		return "SubmitTask"
	case ClaimTask:
		return "ClaimTask"
	case TaskResult:
		return "TaskResult"
	case Heartbeat:
		return "Heartbeat"
	case QueryStatus:
		return "QueryStatus"
	case Ack:
		return "Ack"
	case Nack:
		return "Nack"
	case CancelTask:
		return "CancelTask"
	case ListTasks:
		return "ListTasks"
	case GetStats:
		return "GetStats"
	case TaskAssigned:
		return "TaskAssigned"
	case TaskUpdate:
		return "TaskUpdate"
	case WorkerRegistration:
		return "WorkerRegistration"
	case WorkerDeregistration:
		return "WorkerDeregistration"
	case ErrorMsg:
		return "Error"
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(m))
	}
}

// Valid reports whether m is one of the 17 known message types.
func (m MessageType) Valid() bool { return m <= Pong }

// QueueDepthByPriority breaks GetStats' queue depth down by coarse tier.
type QueueDepthByPriority struct {
	High   uint64 `json:"high"`
	Normal uint64 `json:"normal"`
	Low    uint64 `json:"low"`
}

// Stats is the GetStats reply payload.
type Stats struct {
	PendingCount        uint64               `json:"pending_count"`
	InProgressCount     uint64               `json:"in_progress_count"`
	CompletedLastHour   uint64               `json:"completed_last_hour"`
	FailedLastHour      uint64               `json:"failed_last_hour"`
	WorkerCount         uint64               `json:"worker_count"`
	AvgProcessingTimeMs float64              `json:"avg_processing_time_ms"`
	QueueDepthByPriority QueueDepthByPriority `json:"queue_depth_by_priority"`
}

// TaskListQuery is the ListTasks request payload.
type TaskListQuery struct {
	Status   string `json:"status,omitempty"`
	TaskType string `json:"task_type,omitempty"`
	Limit    uint32 `json:"limit"`
	Offset   uint32 `json:"offset"`
}

// TaskListResponse is the ListTasks reply payload.
type TaskListResponse struct {
	Tasks []*domain.Task `json:"tasks"`
	Total uint64         `json:"total"`
}

// HeartbeatData is the Heartbeat request payload.
type HeartbeatData struct {
	WorkerID         string  `json:"worker_id"`
	CurrentTaskCount uint32  `json:"current_task_count"`
	CPUUsagePercent  float32 `json:"cpu_usage_percent"`
	MemoryUsageMB    uint32  `json:"memory_usage_mb"`
}

// TaskResultPayload is the TaskResult request payload.
type TaskResultPayload struct {
	TaskID   uuid.UUID `json:"task_id"`
	WorkerID string    `json:"worker_id"`
	Success  bool      `json:"success"`
	Result   []byte    `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
	Duration float64   `json:"duration_seconds"`
}

// Message is the full space of payloads a frame can carry, keyed by Type.
// Go has no sum type, so unlike the Rust original's enum-of-structs this is
// one struct with the fields relevant to Type populated and the rest zero —
// the same shape the teacher's own RPC messages use for protobuf-free wire
// types.
type Message struct {
	Type MessageType

	// SubmitTask
	Task *domain.Task

	// ClaimTask
	WorkerID    string
	MaxPriority *uint8

	// TaskResult
	TaskResult *TaskResultPayload

	// Heartbeat
	HeartbeatData *HeartbeatData

	// QueryStatus, CancelTask
	TaskID uuid.UUID

	// Ack
	MessageID string

	// Nack
	NackReason string

	// ListTasks
	Query *TaskListQuery

	// TaskAssigned
	AssignedTask *domain.Task

	// TaskUpdate
	UpdateStatus domain.Status
	UpdateResult *TaskResultPayload

	// WorkerRegistration
	Hostname    string
	PID         uint32
	Concurrency uint32

	// Error
	ErrorCode    uint32
	ErrorMessage string

	// GetStats reply
	Stats *Stats

	// QueryStatus reply
	StatusTask *domain.Task

	// ListTasks reply
	ListResponse *TaskListResponse
}
