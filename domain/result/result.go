// Package result provides the tagged outcome type returned by service handlers.
// This package has NO dependencies on I/O or external packages.
package result

import "fmt"

// Tag identifies the kind of outcome a handler produced.
type Tag string

// Outcome tags. The non-success tags double as the wire error codes.
const (
	TagSuccess       Tag = "success"
	TagInvalid       Tag = "invalid"
	TagNoAccess      Tag = "noAccess"
	TagNotExists     Tag = "notExists"
	TagAlreadyExists Tag = "alreadyExists"
	TagDeleted       Tag = "deleted"
	TagError         Tag = "error"
)

// ErrorTags lists every failure tag in wire order.
var ErrorTags = []Tag{TagInvalid, TagNoAccess, TagNotExists, TagAlreadyExists, TagDeleted, TagError}

// Failure is the {code, message} body carried by non-success results.
type Failure struct {
	Code    Tag    `json:"code"`
	Message string `json:"message"`
}

// Error implements error so failures can travel through error-returning code.
func (f *Failure) Error() string {
	return string(f.Code) + ": " + f.Message
}

// Result is the value a handler returns (immutable value type).
// The zero value is a success with a nil payload.
type Result struct {
	Tag     Tag
	Payload any      // Populated only for success
	Failure *Failure // Populated only for non-success
}

// IsSuccess reports whether the result carries a payload rather than a failure.
func (r Result) IsSuccess() bool {
	return r.Tag == "" || r.Tag == TagSuccess
}

// Code returns the effective tag, treating the empty tag as success.
func (r Result) Code() Tag {
	if r.Tag == "" {
		return TagSuccess
	}
	return r.Tag
}

// Message returns the failure message, or "" for successes.
func (r Result) Message() string {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Message
}

// Success wraps a payload.
func Success(payload any) Result {
	return Result{Tag: TagSuccess, Payload: payload}
}

// Invalid reports that the caller passed unusable parameters.
func Invalid() Result {
	return fail(TagInvalid, "invalid parameters passed")
}

// NoAccess reports that the caller may not perform the operation.
func NoAccess() Result {
	return fail(TagNoAccess, "no access")
}

// NotExists reports a missing entity, e.g. NotExists("tasks", 5) -> "tasks(5) not exists".
func NotExists(entity string, id any) Result {
	return fail(TagNotExists, fmt.Sprintf("%v(%v) not exists", entity, id))
}

// AlreadyExists reports a conflicting entity.
func AlreadyExists(entity string, id any) Result {
	return fail(TagAlreadyExists, fmt.Sprintf("%v(%v) already exists", entity, id))
}

// Deleted reports an entity that existed but was removed.
func Deleted(entity string, id any) Result {
	return fail(TagDeleted, fmt.Sprintf("%v(%v) is deleted", entity, id))
}

// Error reports a domain failure with a free-form message.
func Error(message string) Result {
	return fail(TagError, message)
}

func fail(tag Tag, message string) Result {
	return Result{Tag: tag, Failure: &Failure{Code: tag, Message: message}}
}
