package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
)

// ParseJSON decodes JSON from the request body into the destination
func ParseJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w: %w", apperrors.ErrInvalidInput, err)
	}
	return nil
}

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", fmt.Errorf("missing path parameter %s: %w", key, apperrors.ErrInvalidInput)
	}
	return str, nil
}

// ParseQueryInt extracts and parses an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for query param %s: %w", key, apperrors.ErrInvalidInput)
	}
	return val, nil
}

// ParseQueryString extracts a string query parameter
func ParseQueryString(r *http.Request, key string, defaultVal string) string {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// ParseQueryTime extracts an RFC 3339 timestamp or a YYYY-MM-DD date.
// A missing parameter returns nil.
func ParseQueryTime(r *http.Request, key string) (*time.Time, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, str); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid time for query param %s: %w", key, apperrors.ErrInvalidInput)
}
