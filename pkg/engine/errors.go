package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass tells callers whether retrying or re-planning can help.
type ErrorClass string

const (
	// ErrorClassTransient failures may pass on retry. Only collaborators
	// (child creation, state transformation) report them.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict means the target is in the wrong state for the
	// change: a modification applied twice, a cyclic live tree.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent failures need a different input: a malformed
	// catalog reference, an unmatched desired node, a rejected plan.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is an error raised while matching, planning or applying.
// nolint:revive // stutters as engine.EngineError
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Code    string     `json:"code,omitempty"`

	// Node is the live node ID involved, when there is one.
	Node      string `json:"node,omitempty"`
	Operation string `json:"operation,omitempty"`

	Err     error                  `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Node != "" && e.Operation != "":
		fmt.Fprintf(&b, " (node=%s, operation=%s)", e.Node, e.Operation)
	case e.Node != "":
		fmt.Fprintf(&b, " (node=%s)", e.Node)
	case e.Operation != "":
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is reports whether target is an EngineError of the same class and code,
// which lets the sentinels below work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// WithNode, WithOperation, WithCode and WithDetail annotate e in place and
// return it for chaining.

func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.Node = nodeID
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// classOf returns the class of the first EngineError in err's chain.
func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Class, true
}

func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// ErrorCode returns the code of the first EngineError in the chain, or "".
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Error codes.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeMalformedCatalogRef  = "MALFORMED_CATALOG_REFERENCE"
	ErrCodeUnmatchedDesiredNode = "UNMATCHED_DESIRED_NODE"
	ErrCodeAlreadyApplied       = "ALREADY_APPLIED"
	ErrCodePartialTransform     = "PARTIAL_TRANSFORMATION_UNSUPPORTED"
	ErrCodePlanRejected         = "PLAN_REJECTED"
	ErrCodeCycleDetected        = "CYCLE_DETECTED"
	ErrCodeDepthExceeded        = "DEPTH_EXCEEDED"
	ErrCodePolicyViolation      = "POLICY_VIOLATION"
	ErrCodeFingerprintMismatch  = "FINGERPRINT_MISMATCH"
	ErrCodeCollaboratorFailed   = "COLLABORATOR_FAILED"
	ErrCodeConfigRejected       = "CONFIG_REJECTED"
)

// Sentinels for errors.Is. They match any EngineError with the same class and code.
var (
	ErrMalformedCatalogRef         = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeMalformedCatalogRef}
	ErrUnmatchedDesiredNode        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnmatchedDesiredNode}
	ErrAlreadyApplied              = &EngineError{Class: ErrorClassConflict, Code: ErrCodeAlreadyApplied}
	ErrPartialTransformUnsupported = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePartialTransform}
	ErrPlanRejected                = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePlanRejected}
	ErrCycleDetected               = &EngineError{Class: ErrorClassConflict, Code: ErrCodeCycleDetected}
	ErrDepthExceeded               = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDepthExceeded}
	ErrPolicyViolation             = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyViolation}
	ErrFingerprintMismatch         = &EngineError{Class: ErrorClassConflict, Code: ErrCodeFingerprintMismatch}
)

// PlanRejectedError is returned by UpgradePlan.Run when the plan carries
// errors. No modification has been applied when it is returned.
type PlanRejectedError struct {
	PlanID string
	// Causes are the errors recorded while the plan was built.
	Causes []error
}

func (e *PlanRejectedError) Error() string {
	msgs := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		msgs = append(msgs, c.Error())
	}
	return fmt.Sprintf("[%s] cannot apply modifications of plan %s: %d error(s): %s",
		ErrorClassPermanent, e.PlanID, len(e.Causes), strings.Join(msgs, "; "))
}

// Unwrap exposes every recorded cause to errors.Is and errors.As.
func (e *PlanRejectedError) Unwrap() []error {
	return e.Causes
}

// Is matches ErrPlanRejected.
func (e *PlanRejectedError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == ErrCodePlanRejected
}
