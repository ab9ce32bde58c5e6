package services

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds surfaced by the allocator and the trámite service. Every
// AppError wraps one of these so callers can branch with errors.Is.
var (
	ErrAllocationFailed     = errors.New("consecutivo allocation failed")
	ErrTramiteLocked        = errors.New("tramite is locked")
	ErrFinalizedLock        = errors.New("tramite is finalized")
	ErrCanceledLock         = errors.New("tramite is canceled")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrAlreadyFinalized     = errors.New("tramite already finalized")
	ErrAlreadyCanceled      = errors.New("tramite already canceled")
	ErrNotFinalized         = errors.New("tramite is not finalized")
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation error")
	ErrInvalidState         = errors.New("invalid state")
	ErrUploadTooLarge       = errors.New("upload too large")
	ErrConflict             = errors.New("concurrent modification")
	ErrPDFTooManyPages      = errors.New("pdf has too many pages")
)

// AppError carries a stable error code, a user-facing message and enough
// context (agency, year, tramite id, attempted state) to diagnose a failure.
type AppError struct {
	Kind    error
	Code    string
	Message string
	Details map[string]interface{}
	Status  int
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches the sentinel kind. Finalized and canceled locks are also
// reported as ErrTramiteLocked.
func (e *AppError) Is(target error) bool {
	if e.Kind == target {
		return true
	}
	return target == ErrTramiteLocked && (e.Kind == ErrFinalizedLock || e.Kind == ErrCanceledLock)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func newAppError(kind error, code, message string, details map[string]interface{}, status int) *AppError {
	if details == nil {
		details = map[string]interface{}{}
	}
	return &AppError{Kind: kind, Code: code, Message: message, Details: details, Status: status}
}

func errNotFound(message string, details map[string]interface{}) *AppError {
	return newAppError(ErrNotFound, "NOT_FOUND", message, details, http.StatusNotFound)
}

func errValidation(message string, details map[string]interface{}) *AppError {
	return newAppError(ErrValidation, "VALIDATION_ERROR", message, details, http.StatusBadRequest)
}

func errLocked(id string, state interface{}) *AppError {
	return newAppError(ErrTramiteLocked, "TRAMITE_LOCKED",
		"El trámite está finalizado o cancelado. No se puede modificar.",
		map[string]interface{}{"tramite_id": id, "estado_actual": state}, http.StatusConflict)
}

func errFinalizedLock(id string) *AppError {
	return newAppError(ErrFinalizedLock, "FINALIZED_LOCK",
		"El trámite está finalizado. Debes reabrir para editar.",
		map[string]interface{}{"tramite_id": id}, http.StatusConflict)
}

func errCanceledLock(id string) *AppError {
	return newAppError(ErrCanceledLock, "CANCELED_LOCK",
		"El trámite está cancelado. No se puede modificar.",
		map[string]interface{}{"tramite_id": id}, http.StatusConflict)
}

func errConflict(id string) *AppError {
	return newAppError(ErrConflict, "CONFLICT",
		"El trámite cambió mientras se procesaba la solicitud. Intenta de nuevo.",
		map[string]interface{}{"tramite_id": id}, http.StatusConflict)
}

func errInvalidState(state string) *AppError {
	return newAppError(ErrInvalidState, "INVALID_STATE", "Estado inválido.",
		map[string]interface{}{"estado": state}, http.StatusBadRequest)
}

// AsAppError extracts an *AppError from err, if any
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
