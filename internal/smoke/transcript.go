package smoke

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ErrNoStatus is returned when a transcript has no trailing status-code line.
var ErrNoStatus = errors.New("transcript has no status code line")

// ParseTranscript splits a curl transcript produced with -w "\n%{http_code}"
// into the response body and the trailing status code.
func ParseTranscript(transcript string) (string, int, error) {
	s := strings.TrimRight(transcript, "\r\n")
	if s == "" {
		return "", 0, ErrNoStatus
	}

	body, last := "", s
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		body, last = s[:i], s[i+1:]
	}
	last = strings.TrimSpace(last)

	code, err := strconv.Atoi(last)
	if err != nil || len(last) != 3 {
		return "", 0, fmt.Errorf("%w: trailing line %q", ErrNoStatus, truncate(last, 40))
	}
	return strings.TrimRight(body, "\r"), code, nil
}

// Classify reports whether a status code counts as a passing probe.
func Classify(code int) bool {
	return code == http.StatusOK
}
