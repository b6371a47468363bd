package httpserver

import (
	"bytes"
	"log/slog"
	"net/http"
)

// pageData is the data passed to the HTML templates
type pageData struct {
	Message string
}

// renderSuccess renders the success page
func (s *Server) renderSuccess(w http.ResponseWriter, message string) {
	s.renderPage(w, "success.html", http.StatusOK, message)
}

// renderError renders the error page
func (s *Server) renderError(w http.ResponseWriter, errMsg string) {
	s.renderPage(w, "error.html", http.StatusBadRequest, errMsg)
}

// renderPage executes a template into a buffer first so a template error
// still produces a clean 500 response.
func (s *Server) renderPage(w http.ResponseWriter, name string, status int, message string) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, pageData{Message: message}); err != nil {
		slog.Error("failed to render template", "template", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
