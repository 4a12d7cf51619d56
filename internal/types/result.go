package types

// Status of an execution or resumption
type Status string

const (
	StatusSuccess   Status = "success"
	StatusSuspended Status = "suspended"
	StatusError     Status = "error"
)

// MutationOp is the kind of state mutation
type MutationOp string

const (
	OpSet    MutationOp = "set"
	OpDelete MutationOp = "delete"
)

// ViewCommandType identifies an imperative view operation
type ViewCommandType string

const (
	ViewSetFilter ViewCommandType = "setFilter"
	ViewScrollTo  ViewCommandType = "scrollTo"
	ViewFocus     ViewCommandType = "focus"
	ViewCustom    ViewCommandType = "custom"
)

// StateMutation records one write to panel state
type StateMutation struct {
	Key       string     `json:"key"`
	Value     any        `json:"value,omitempty"`
	Operation MutationOp `json:"operation"`
}

// EmittedEvent records one $emit call
type EmittedEvent struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// ViewCommand records one $view call
type ViewCommand struct {
	Type        ViewCommandType `json:"type"`
	ComponentID string          `json:"componentId,omitempty"`
	Args        map[string]any  `json:"args"`
}

// LogMessage records one $log call
type LogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// SuspensionDetails describes the extension call an execution waits on
type SuspensionDetails struct {
	SuspensionID  string `json:"suspensionId"`
	ExtensionName string `json:"extensionName"`
	Method        string `json:"method"`
	Args          []any  `json:"args"`
}

// ExecutionMetrics is per-invocation telemetry
type ExecutionMetrics struct {
	DurationUS      uint64            `json:"durationUs"`
	CompileTimeUS   uint64            `json:"compileTimeUs,omitempty"`
	MemoryUsedBytes uint64            `json:"memoryUsedBytes"`
	MemoryPeakBytes uint64            `json:"memoryPeakBytes"`
	HostCalls       map[string]uint32 `json:"hostCalls"`
	CacheHit        bool              `json:"cacheHit"`
	Success         bool              `json:"success"`
}

// TotalHostCalls sums the per-function counts
func (m ExecutionMetrics) TotalHostCalls() uint32 {
	var total uint32
	for _, n := range m.HostCalls {
		total += n
	}
	return total
}

// Result is the outcome of one execution or resumption
type Result struct {
	Status         Status             `json:"status"`
	ReturnValue    any                `json:"returnValue,omitempty"`
	StateMutations []StateMutation    `json:"stateMutations"`
	Events         []EmittedEvent     `json:"events"`
	ViewCommands   []ViewCommand      `json:"viewCommands"`
	Logs           []LogMessage       `json:"logs,omitempty"`
	Suspension     *SuspensionDetails `json:"suspension,omitempty"`
	Error          *Error             `json:"error,omitempty"`
	Metrics        ExecutionMetrics   `json:"metrics"`
}

// Failure builds an error result with empty effect lists
func Failure(err *Error) *Result {
	return &Result{
		Status:         StatusError,
		StateMutations: []StateMutation{},
		Events:         []EmittedEvent{},
		ViewCommands:   []ViewCommand{},
		Error:          err,
	}
}

// Succeeded reports a success status
func (r *Result) Succeeded() bool { return r.Status == StatusSuccess }

// Suspended reports a suspended status
func (r *Result) Suspended() bool { return r.Status == StatusSuspended }

// Code returns the error code, or "" for non-error results
func (r *Result) Code() ErrorCode {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}
