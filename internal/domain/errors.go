package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
)

// ErrorCode identifies delivery and scheduling failures in operation results.
type ErrorCode string

const (
	ErrCodePatientNotFound       ErrorCode = "PATIENT_NOT_FOUND"
	ErrCodeAppointmentNotFound   ErrorCode = "APPOINTMENT_NOT_FOUND"
	ErrCodeNoRecipient           ErrorCode = "NO_RECIPIENT"
	ErrCodeNoPhone               ErrorCode = "NO_PHONE"
	ErrCodeNoEmail               ErrorCode = "NO_EMAIL"
	ErrCodeInvalidPhoneNumber    ErrorCode = "INVALID_PHONE_NUMBER"
	ErrCodeInvalidEmail          ErrorCode = "INVALID_EMAIL"
	ErrCodeInvalidDeviceToken    ErrorCode = "INVALID_DEVICE_TOKEN"
	ErrCodeProviderNotConfigured ErrorCode = "PROVIDER_NOT_CONFIGURED"
	ErrCodeProviderNotAvailable  ErrorCode = "PROVIDER_NOT_AVAILABLE"
	ErrCodeTimePassed            ErrorCode = "TIME_PASSED"
	ErrCodeInvalidStatus         ErrorCode = "INVALID_STATUS"
	ErrCodeDuplicateReminder     ErrorCode = "DUPLICATE_REMINDER"
	ErrCodeTemplateNotFound      ErrorCode = "TEMPLATE_NOT_FOUND"
	ErrCodeSendError             ErrorCode = "SEND_ERROR"
)

func (c ErrorCode) String() string { return string(c) }

// SendError is a structured failure carried inside operation results instead
// of aborting the call that produced it.
type SendError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
}

func NewSendError(code ErrorCode, message string, retryable bool) *SendError {
	return &SendError{Code: code, Message: message, Retryable: retryable}
}

func (e *SendError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if strings.TrimSpace(e.Message) == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
