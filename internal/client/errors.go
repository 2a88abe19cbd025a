package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Failure kinds. Only ErrAuthFailure and ErrActionSubmission are shown to
// the user; the rest are recovered locally.
var (
	ErrAuthFailure      = errors.New("authentication failed")
	ErrTransport        = errors.New("transport failure")
	ErrMalformedEvent   = errors.New("malformed event")
	ErrSnapshotFetch    = errors.New("snapshot fetch failed")
	ErrActionSubmission = errors.New("action submission failed")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Op     string
	Status int
	Detail string
	Kind   error
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Detail)
}

func (e *APIError) Unwrap() error { return e.Kind }

// UserFacing reports whether err should be shown to the user rather than
// folded into connection status.
func UserFacing(err error) bool {
	return errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrActionSubmission)
}

// Detail returns the server-provided explanation carried by err, or its
// message when there is none.
func Detail(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return err.Error()
}

// detailFromBody pulls "detail" out of an error body. FastAPI sends either a
// string or a list of validation objects with "msg".
func detailFromBody(body []byte) string {
	if gjson.ValidBytes(body) {
		d := gjson.GetBytes(body, "detail")
		switch {
		case d.Type == gjson.String:
			return d.String()
		case d.IsArray():
			var msgs []string
			for _, item := range d.Array() {
				if m := item.Get("msg"); m.Exists() {
					msgs = append(msgs, m.String())
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		case d.Exists():
			return d.Raw
		}
	}
	return strings.TrimSpace(string(body))
}
