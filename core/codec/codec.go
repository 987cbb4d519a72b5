// Package codec maps tagged results to protocol-level representations:
// HTTP statuses and bodies, and JSON-RPC error objects.
package codec

import (
	"net/http"

	"github.com/artpar/apifactory/domain/result"
)

// HTTPStatus returns the status for a result. Unknown tags map to 422.
func HTTPStatus(r result.Result) int {
	switch r.Code() {
	case result.TagSuccess:
		return http.StatusOK
	case result.TagInvalid:
		return http.StatusBadRequest
	case result.TagNoAccess:
		return http.StatusForbidden
	case result.TagNotExists:
		return http.StatusNotFound
	case result.TagAlreadyExists:
		return http.StatusConflict
	case result.TagDeleted:
		return http.StatusGone
	default:
		return http.StatusUnprocessableEntity
	}
}

// HTTPBody returns the JSON body for a result: the payload on success, the
// {code, message} failure otherwise.
func HTTPBody(r result.Result) any {
	if r.IsSuccess() {
		return r.Payload
	}
	return failureOf(r)
}

func failureOf(r result.Result) *result.Failure {
	if r.Failure != nil {
		return r.Failure
	}
	return &result.Failure{Code: r.Code(), Message: string(r.Code())}
}

// JSON-RPC protocol error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// JSON-RPC codes for domain failures.
const (
	CodeInvalid       = -32000
	CodeNoAccess      = -32001
	CodeNotExists     = -32002
	CodeAlreadyExists = -32003
	CodeDeleted       = -32004
	CodeError         = -32005
)

var protocolMessages = map[int]string{
	CodeParseError:     "Parse error",
	CodeInvalidRequest: "Invalid Request",
	CodeMethodNotFound: "Method not found",
	CodeInvalidParams:  "Invalid params",
	CodeInternalError:  "Internal error",
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ProtocolError returns the standard error object for a protocol code.
func ProtocolError(code int) *RPCError {
	return &RPCError{Code: code, Message: protocolMessages[code]}
}

// RPCCode returns the JSON-RPC code for a failure tag. Unknown tags map to
// CodeError.
func RPCCode(tag result.Tag) int {
	switch tag {
	case result.TagInvalid:
		return CodeInvalid
	case result.TagNoAccess:
		return CodeNoAccess
	case result.TagNotExists:
		return CodeNotExists
	case result.TagAlreadyExists:
		return CodeAlreadyExists
	case result.TagDeleted:
		return CodeDeleted
	default:
		return CodeError
	}
}

// RPCFailure converts a non-success result to a JSON-RPC error object.
func RPCFailure(r result.Result) *RPCError {
	f := failureOf(r)
	return &RPCError{Code: RPCCode(f.Code), Message: f.Message}
}
