package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gorm.io/gorm"
)

// StoreError 与 PostgREST 兼容的错误体
type StoreError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func rlsViolation(table string) *StoreError {
	return &StoreError{
		Status:  http.StatusForbidden,
		Code:    "42501",
		Message: fmt.Sprintf("new row violates row-level security policy for table %q", table),
	}
}

func uniqueViolation(table string, err error) *StoreError {
	return &StoreError{
		Status:  http.StatusConflict,
		Code:    "23505",
		Message: fmt.Sprintf("duplicate key value violates unique constraint on %q", table),
		Details: err.Error(),
	}
}

func checkViolation(constraint string) *StoreError {
	return &StoreError{
		Status:  http.StatusBadRequest,
		Code:    "23514",
		Message: fmt.Sprintf("new row violates check constraint %q", constraint),
	}
}

func undefinedColumn(table, column string) *StoreError {
	return &StoreError{
		Status:  http.StatusBadRequest,
		Code:    "42703",
		Message: fmt.Sprintf("column %s.%s does not exist", table, column),
	}
}

func undefinedTable(table string) *StoreError {
	return &StoreError{
		Status:  http.StatusNotFound,
		Code:    "42P01",
		Message: fmt.Sprintf("relation %q does not exist", table),
	}
}

func invalidInput(format string, args ...interface{}) *StoreError {
	return &StoreError{Status: http.StatusBadRequest, Code: "22P02", Message: fmt.Sprintf(format, args...)}
}

// ErrJWTExpired 令牌过期或无效
var ErrJWTExpired = &StoreError{Status: http.StatusUnauthorized, Code: "PGRST301", Message: "JWT expired"}

// ErrJWTInvalid 令牌无法解析
var ErrJWTInvalid = &StoreError{Status: http.StatusUnauthorized, Code: "PGRST301", Message: "invalid JWT"}

// translate maps a gorm error on table into a StoreError.
func translate(table string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueMessage(err) {
		return uniqueViolation(table, err)
	}
	return fmt.Errorf("%s: %w", table, err)
}

// some driver versions do not translate every unique violation
func isUniqueMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "duplicate key")
}
