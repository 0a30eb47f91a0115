package errinfo

// ErrorInfo is the structured error payload threaded through every RPC
// method and surfaced to the client alongside the human-readable message.
type ErrorInfo struct {
	ErrorCode      string   `json:"error_code"`
	Phase          string   `json:"phase,omitempty"`
	Retryable      bool     `json:"retryable"`
	Actions        []string `json:"actions,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	ModelID        string   `json:"model_id,omitempty"`
	Detail         string   `json:"detail,omitempty"`
}

const (
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeSandboxViolation   = "SANDBOX_VIOLATION"
	CodeToolDenied         = "TOOL_DENIED"
	CodeCompileFailed      = "COMPILE_FAILED"
	CodeConnectionFailed   = "CONNECTION_FAILED"
	CodeRequestTimeout     = "REQUEST_TIMEOUT"
	CodeBackendUnreachable = "BACKEND_UNREACHABLE"
	CodeRetriesExhausted   = "PHASE_RETRIES_EXHAUSTED"
	CodeFileReadFailed     = "FILE_READ_FAILED"
	CodeFileWriteFailed    = "FILE_WRITE_FAILED"
	CodeUserCanceled       = "USER_CANCELED"
	CodeRunInProgress      = "RUN_IN_PROGRESS"
	CodeNotFound           = "NOT_FOUND"
)

const (
	ActionRetry        = "retry"
	ActionOpenSettings = "open_settings"
	ActionNewTask      = "new_task"
)

const (
	PhasePlan         = "plan"
	PhaseImplement    = "implement"
	PhaseCritique     = "critique"
	PhaseCompletion   = "completion"
	PhaseConversation = "conversation"
	PhaseWorkspace    = "workspace"
	PhaseMemory       = "memory"
	PhaseGateway      = "gateway"
	PhaseSettings     = "settings"
)

func ValidationFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeValidationFailed,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func SandboxViolation(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeSandboxViolation,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func ToolDenied(phase, reason string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeToolDenied,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    reason,
	}
}

func CompileFailed(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeCompileFailed,
		Phase:     PhaseImplement,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func ConnectionFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeConnectionFailed,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry, ActionOpenSettings},
		Detail:    detail,
	}
}

func RequestTimeout(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeRequestTimeout,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func BackendUnreachable(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeBackendUnreachable,
		Phase:     phase,
		Retryable: false,
		Actions:   []string{ActionOpenSettings},
		Detail:    detail,
	}
}

func RetriesExhausted(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeRetriesExhausted,
		Phase:     phase,
		Retryable: false,
		Actions:   []string{ActionNewTask},
		Detail:    detail,
	}
}

func FileReadFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeFileReadFailed,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func FileWriteFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeFileWriteFailed,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func UserCanceled(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeUserCanceled,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func RunInProgress(conversationID string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode:      CodeRunInProgress,
		Phase:          PhaseConversation,
		Retryable:      true,
		Actions:        []string{ActionRetry},
		ConversationID: conversationID,
	}
}

func NotFound(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeNotFound,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}
