package utils

import (
	"fmt"
	"net/http"
)

const (
	// BadRequestDocument is the page sent for unroutable HTTP requests.
	BadRequestDocument = "<html><head><title>Bad request</title></head><body><h1>Error:</h1>Bad request</body></html>"
	// NotFoundDocument is the page sent when a static file is missing.
	NotFoundDocument = "<html><head><title>Not found</title></head><body><h1>Error:</h1>Not found</body></html>"
)

// RespondHTML writes an HTML document with the given status. Write failures
// are returned for the caller to log.
func RespondHTML(w http.ResponseWriter, status int, document string) error {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(document)); err != nil {
		return fmt.Errorf("failed to write %d response: %w", status, err)
	}
	return nil
}

// RespondBadRequest sends the fixed bad request document.
func RespondBadRequest(w http.ResponseWriter) error {
	return RespondHTML(w, http.StatusBadRequest, BadRequestDocument)
}

// RespondNotFound sends the fixed not found document.
func RespondNotFound(w http.ResponseWriter) error {
	return RespondHTML(w, http.StatusNotFound, NotFoundDocument)
}
