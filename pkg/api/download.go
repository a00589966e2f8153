package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/opgroeien/flowd/pkg/emitter"
	"github.com/opgroeien/flowd/pkg/flows/report"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// handleChaptersDownload exports the chapters written so far as one
// Word document, in cluster order.
func (s *Server) handleChaptersDownload(c *gin.Context) {
	if _, ok := s.authorize(c, emitter.FlowReport); !ok {
		return
	}
	threadID := c.Param("thread_id")
	cp, ok := s.latestCheckpoint(c, threadID)
	if !ok {
		return
	}
	state := report.Project(cp.Values)
	if len(state.Chapters) == 0 {
		respondInvalid(c, "no chapters written yet")
		return
	}
	s.serveWordDocument(c, "hoofdstukken_"+threadID+".doc", strings.Join(state.Chapters, "\n\n"))
}

// handleFinalReportDownload exports the final report as a Word
// document.
func (s *Server) handleFinalReportDownload(c *gin.Context) {
	if _, ok := s.authorize(c, emitter.FlowReport); !ok {
		return
	}
	threadID := c.Param("thread_id")
	cp, ok := s.latestCheckpoint(c, threadID)
	if !ok {
		return
	}
	state := report.Project(cp.Values)
	if state.FinalReport == "" {
		respondInvalid(c, "no final report yet")
		return
	}
	s.serveWordDocument(c, "eindrapport_"+threadID+".doc", state.FinalReport)
}

// serveWordDocument renders markdown to a Word-compatible HTML document
// and streams it as a file download.
func (s *Server) serveWordDocument(c *gin.Context, filename, md string) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(md), &body); err != nil {
		respondError(c, fmt.Errorf("render markdown: %w", err))
		return
	}

	var doc bytes.Buffer
	doc.WriteString("<html xmlns:w=\"urn:schemas-microsoft-com:office:word\">")
	doc.WriteString("<head><meta charset=\"utf-8\"><title>")
	doc.WriteString(strings.TrimSuffix(filename, ".doc"))
	doc.WriteString("</title></head><body>")
	doc.Write(body.Bytes())
	doc.WriteString("</body></html>")

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/msword", doc.Bytes())
}
