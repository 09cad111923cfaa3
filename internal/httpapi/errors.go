package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/obs"
)

var (
	validate     = newValidator()
	errEmptyBody = errors.New("request body is required")
)

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var statusByCode = map[auth.Code]int{
	auth.CodeUnauthenticated:    http.StatusUnauthorized,
	auth.CodeTokenExpired:       http.StatusUnauthorized,
	auth.CodeTokenInvalid:       http.StatusUnauthorized,
	auth.CodeInvalidCredentials: http.StatusUnauthorized,
	auth.CodeSessionRevoked:     http.StatusUnauthorized,
	auth.CodeSessionExpired:     http.StatusUnauthorized,
	auth.CodeReuseDetected:      http.StatusUnauthorized,
	auth.CodeAlreadyRotated:     http.StatusConflict,
	auth.CodeConflict:           http.StatusConflict,
	auth.CodeAccountSuspended:   http.StatusForbidden,
	auth.CodeForbidden:          http.StatusForbidden,
	auth.CodeRoleNotHeld:        http.StatusForbidden,
	auth.CodeNoActiveContext:    http.StatusForbidden,
	auth.CodeSessionNotFound:    http.StatusNotFound,
	auth.CodeNotFound:           http.StatusNotFound,
	auth.CodeInvalidInput:       http.StatusBadRequest,
}

// handleAuthError maps an auth error to its HTTP status and error body.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	code := auth.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		obs.Logger().ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()))
		writeError(w, r, http.StatusInternalServerError, auth.CodeInternal, "internal error")
		return
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error="invalid_token", error_description=%q`, strings.ToLower(string(code))))
	}
	writeError(w, r, status, code, publicMessage(err))
}

func publicMessage(err error) string {
	return strings.TrimPrefix(err.Error(), "auth: ")
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code auth.Code, msg string) {
	writeErrorFields(w, r, status, code, msg, nil)
}

func writeErrorFields(w http.ResponseWriter, r *http.Request, status int, code auth.Code, msg string, fields map[string]string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	if len(fields) > 0 {
		payload["fields"] = fields
	}
	writeJSON(w, status, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// bind decodes and validates the request body, writing a 400 on failure.
// An empty body is accepted when allowEmpty is set.
func bind(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := decodeJSON(r, dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case allowEmpty && errors.Is(err, errEmptyBody):
		case errors.As(err, &maxErr):
			writeError(w, r, http.StatusRequestEntityTooLarge, auth.CodeInvalidInput, "request body too large")
			return false
		default:
			writeError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, "invalid json: "+err.Error())
			return false
		}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				name := fe.Field()
				fields[name] = msgForTag(fe)
				msgs = append(msgs, fmt.Sprintf("field '%s' %s", name, msgForTag(fe)))
			}
			writeErrorFields(w, r, http.StatusBadRequest, auth.CodeInvalidInput, strings.Join(msgs, "; "), fields)
			return false
		}
		writeError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, err.Error())
		return false
	}
	return true
}

func msgForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
}
