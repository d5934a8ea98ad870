package ocistore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is implemented by all errors returned by the stores in this
// module. Code returns the distribution-spec error code.
type Error interface {
	error
	Code() string
	Detail() any
}

// HTTPError is implemented by errors that carry an explicit HTTP status
// code. The status is only consulted when the error code has no
// conventional status of its own.
type HTTPError interface {
	error
	StatusCode() int
}

// WireError is the JSON form of a single error as defined by the
// distribution specification.
type WireError struct {
	Code_   string          `json:"code"`
	Message string          `json:"message,omitempty"`
	Detail_ json.RawMessage `json:"detail,omitempty"`
}

func (e *WireError) Error() string {
	code := strings.ToLower(strings.ReplaceAll(e.Code_, "_", " "))
	if code != "" && e.Message != "" {
		return code + ": " + e.Message
	}
	return code + e.Message
}

// Code implements [Error.Code].
func (e *WireError) Code() string {
	return e.Code_
}

// Detail implements [Error.Detail].
func (e *WireError) Detail() any {
	if len(e.Detail_) == 0 {
		return nil
	}
	return e.Detail_
}

// Is makes it possible to use errors.Is to check whether an error has a
// given error code.
func (e *WireError) Is(err error) bool {
	var rerr Error
	return errors.As(err, &rerr) && rerr.Code() == e.Code()
}

// WireErrors is the JSON body of an error response.
type WireErrors struct {
	Errors []WireError `json:"errors"`
}

// Unwrap allows errors.Is to match any of the contained errors.
func (e *WireErrors) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i := range e.Errors {
		errs[i] = &e.Errors[i]
	}
	return errs
}

func (e *WireErrors) Error() string {
	var buf strings.Builder
	for i := range e.Errors {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(e.Errors[i].Error())
	}
	return buf.String()
}

// NewError returns a new error with the given code, message and detail.
func NewError(msg string, code string, detail any) Error {
	var raw json.RawMessage
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			panic(fmt.Errorf("cannot marshal error detail: %v", err))
		}
		raw = data
	}
	return &WireError{
		Code_:   code,
		Message: msg,
		Detail_: raw,
	}
}

// NewHTTPError wraps err so that it reports the given HTTP status code.
func NewHTTPError(err error, statusCode int) error {
	return &httpError{
		err:        err,
		statusCode: statusCode,
	}
}

type httpError struct {
	err        error
	statusCode int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("%d %s: %v", e.statusCode, http.StatusText(e.statusCode), e.err)
}

func (e *httpError) Unwrap() error {
	return e.err
}

func (e *httpError) StatusCode() int {
	return e.statusCode
}

// MarshalError marshals err as a distribution-spec JSON error body and
// returns the HTTP status code to respond with.
func MarshalError(err error) (data []byte, httpStatus int) {
	e := WireError{
		Message: err.Error(),
	}
	httpStatus = http.StatusInternalServerError
	var rerr Error
	if errors.As(err, &rerr) {
		e.Code_ = rerr.Code()
		if detail := rerr.Detail(); detail != nil {
			raw, err := json.Marshal(detail)
			if err != nil {
				panic(fmt.Errorf("cannot marshal error detail: %v", err))
			}
			e.Detail_ = raw
		}
	} else {
		// Out-of-taxonomy errors surface as a generic 500, mirroring
		// what the Docker registry does.
		e.Code_ = "UNKNOWN"
	}
	if status, ok := errorStatuses[e.Code_]; ok {
		httpStatus = status
	} else {
		var herr HTTPError
		if errors.As(err, &herr) {
			httpStatus = herr.StatusCode()
		}
	}
	// The rendered message can start with prefixes that repeat
	// information sent elsewhere in the response (the HTTP status line
	// and the error code); strip those so they appear only once.
	e.Message = strings.TrimPrefix(e.Message, fmt.Sprintf("%d %s: ", httpStatus, http.StatusText(httpStatus)))
	if e.Code_ != "" {
		codePrefix := strings.ToLower(strings.ReplaceAll(e.Code_, "_", " ")) + ": "
		e.Message = strings.TrimPrefix(e.Message, codePrefix)
	}
	data, merr := json.Marshal(WireErrors{
		Errors: []WireError{e},
	})
	if merr != nil {
		panic(fmt.Errorf("cannot marshal error response: %v", merr))
	}
	return data, httpStatus
}

// WriteError writes err to resp as a JSON error body with the
// conventional HTTP status code.
func WriteError(resp http.ResponseWriter, err error) error {
	data, httpStatus := MarshalError(err)
	resp.Header().Set("Content-Type", "application/json")
	resp.Header().Set("Content-Length", fmt.Sprint(len(data)))
	resp.WriteHeader(httpStatus)
	_, werr := resp.Write(data)
	return werr
}

func newError(msg string, code string) Error {
	return &WireError{
		Code_:   code,
		Message: msg,
	}
}

// The following errors correspond to error codes in the distribution
// API, plus the CONTENT_REFERENCED extension used to surface
// foreign-key restrictions on blob deletion.
// See https://github.com/opencontainers/distribution-spec/blob/main/spec.md#error-codes
var (
	ErrBlobUnknown         = newError("blob unknown to registry", "BLOB_UNKNOWN")
	ErrBlobUploadInvalid   = newError("blob upload invalid", "BLOB_UPLOAD_INVALID")
	ErrBlobUploadUnknown   = newError("blob upload unknown to registry", "BLOB_UPLOAD_UNKNOWN")
	ErrContentReferenced   = newError("content is referenced by a manifest", "CONTENT_REFERENCED")
	ErrDigestInvalid       = newError("provided digest did not match uploaded content", "DIGEST_INVALID")
	ErrManifestBlobUnknown = newError("manifest references a manifest or blob unknown to registry", "MANIFEST_BLOB_UNKNOWN")
	ErrManifestInvalid     = newError("manifest invalid", "MANIFEST_INVALID")
	ErrManifestUnknown     = newError("manifest unknown to registry", "MANIFEST_UNKNOWN")
	ErrNameInvalid         = newError("invalid repository name", "NAME_INVALID")
	ErrNameUnknown         = newError("repository name not known to registry", "NAME_UNKNOWN")
	ErrRangeInvalid        = newError("invalid content range", "RANGE_INVALID")
	ErrSizeInvalid         = newError("provided length did not match content length", "SIZE_INVALID")
	ErrUnauthorized        = newError("authentication required", "UNAUTHORIZED")
	ErrDenied              = newError("requested access to the resource is denied", "DENIED")
	ErrUnsupported         = newError("the operation is unsupported", "UNSUPPORTED")
	ErrTooManyRequests     = newError("too many requests", "TOOMANYREQUESTS")
)

var errorStatuses = map[string]int{
	ErrBlobUnknown.Code():         http.StatusNotFound,
	ErrBlobUploadInvalid.Code():   http.StatusBadRequest,
	ErrBlobUploadUnknown.Code():   http.StatusBadRequest,
	ErrContentReferenced.Code():   http.StatusConflict,
	ErrDigestInvalid.Code():       http.StatusBadRequest,
	ErrManifestBlobUnknown.Code(): http.StatusNotFound,
	ErrManifestInvalid.Code():     http.StatusBadRequest,
	ErrManifestUnknown.Code():     http.StatusNotFound,
	ErrNameInvalid.Code():         http.StatusBadRequest,
	ErrNameUnknown.Code():         http.StatusNotFound,
	ErrRangeInvalid.Code():        http.StatusRequestedRangeNotSatisfiable,
	ErrSizeInvalid.Code():         http.StatusBadRequest,
	ErrUnauthorized.Code():        http.StatusUnauthorized,
	ErrDenied.Code():              http.StatusForbidden,
	ErrUnsupported.Code():         http.StatusNotImplemented,
	ErrTooManyRequests.Code():     http.StatusTooManyRequests,
}
