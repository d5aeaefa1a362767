package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Error is a non-success response from the remote store or the token endpoint.
type Error struct {
	Status  int
	Message string
	Details any
}

func (e *Error) Error() string {
	status := http.StatusText(e.Status)
	if status == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, status, e.Message)
}

// messagePaths are tried in order; the first non-empty string wins.
var messagePaths = []string{
	"error.message",
	"error_description",
	"message",
	"error",
}

// NewError decodes a response body into an Error. The message comes from the
// clearest structured field available, falling back to the raw body text.
func NewError(status int, body []byte) *Error {
	e := &Error{Status: status}
	text := strings.TrimSpace(string(body))
	if text != "" && gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		for _, path := range messagePaths {
			if v := parsed.Get(path); v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
				e.Message = strings.TrimSpace(v.String())
				break
			}
		}
		var details any
		if err := json.Unmarshal(body, &details); err == nil {
			e.Details = details
		}
	} else if text != "" {
		e.Details = map[string]any{"raw": text}
	}
	if e.Message == "" {
		e.Message = text
	}
	if e.Message == "" {
		e.Message = "Request failed"
	}
	return e
}

// FromError converts transport-specific failures into *Error where a status is
// known. Other errors are returned unchanged.
func FromError(err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		e := NewError(gerr.Code, []byte(gerr.Body))
		if strings.TrimSpace(gerr.Body) == "" && gerr.Message != "" {
			e.Message = gerr.Message
		}
		return e
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		return NewError(status, rerr.Body)
	}
	return err
}
