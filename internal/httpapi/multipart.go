// Copyright 2025 James Ross
package httpapi

import (
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
)

// multipartResponseWriter streams a sequence of output files back to the
// client as multipart/mixed, used by GET /history?resType=multipart.
type multipartResponseWriter struct {
	w  *multipart.Writer
	rw http.ResponseWriter
}

func newMultipartResponseWriter(w http.ResponseWriter) *multipartResponseWriter {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", mw.FormDataContentType())
	w.WriteHeader(http.StatusOK)
	return &multipartResponseWriter{w: mw, rw: w}
}

func (m *multipartResponseWriter) WritePart(filename, contentType string, body io.Reader) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := m.w.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, body)
	return err
}

func (m *multipartResponseWriter) Close() error {
	return m.w.Close()
}
