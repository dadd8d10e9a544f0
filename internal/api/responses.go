package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wakala/agentsettle/internal/domain"
	apperrors "github.com/wakala/agentsettle/internal/errors"
	"github.com/wakala/agentsettle/internal/logger"
)

type successEnvelope struct {
	Data any `json:"data"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successEnvelope{Data: data})
}

// writeError maps err onto its code's HTTP status. Untyped errors become
// INTERNAL_ERROR and only the public message leaves the process.
func writeError(ctx context.Context, log *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	typed := apperrors.As(err)
	if typed == nil {
		typed = apperrors.Wrap(apperrors.CodeInternal, err, "unexpected error")
	}
	meta := apperrors.MetadataFor(typed.Code())

	msg := meta.PublicMessage
	switch typed.Code() {
	case apperrors.CodeValidation, apperrors.CodeNotFound, apperrors.CodeStateConflict, apperrors.CodeDuplicate:
		if m := typed.Message(); m != "" {
			msg = m
		}
	}
	payload := errorEnvelope{Error: apiError{Code: string(typed.Code()), Message: msg}}
	if meta.DetailsAllowed {
		payload.Error.Details = typed.Details()
	}

	if log != nil && meta.HTTPStatus >= http.StatusInternalServerError {
		log.Error(ctx, "request failed", err)
	}
	writeJSON(w, meta.HTTPStatus, payload)
}

func decodeJSONBody(r *http.Request, dest any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, err, "invalid request body").
			WithDetails(map[string]string{"error": err.Error()})
	}
	if err := domain.ValidateStruct(dest); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, err, "validation failed").
			WithDetails(domain.FieldErrors(err))
	}
	return nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// parseDate accepts a calendar day or an RFC 3339 timestamp. An empty value
// leaves the bound open.
func parseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, apperrors.Newf(apperrors.CodeValidation, "%s must be YYYY-MM-DD or RFC 3339", field).
			WithDetails(map[string]string{field: s})
	}
	return t, nil
}

func parseRange(r *http.Request) (domain.DateRange, error) {
	q := r.URL.Query()
	from, err := parseDate("from", q.Get("from"))
	if err != nil {
		return domain.DateRange{}, err
	}
	to, err := parseDate("to", q.Get("to"))
	if err != nil {
		return domain.DateRange{}, err
	}
	if !from.IsZero() && !to.IsZero() && domain.DateOnly(to).Before(domain.DateOnly(from)) {
		return domain.DateRange{}, apperrors.New(apperrors.CodeValidation, "to is before from")
	}
	return domain.DateRange{From: from, To: to}, nil
}
