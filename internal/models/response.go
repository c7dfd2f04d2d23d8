package models

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

// Response is produced by the download pipeline and bound to the request
// that triggered it. Only the decoded text is computed lazily.
type Response struct {
	URL     string      `json:"url"`
	Status  int         `json:"status"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
	Request *Request    `json:"-"`

	textOnce sync.Once
	text     string
	encoding string

	docOnce sync.Once
	doc     *goquery.Document
	docErr  error
}

// NewResponse creates a response for req.
func NewResponse(req *Request, rawURL string, status int, headers http.Header, body []byte) *Response {
	if headers == nil {
		headers = make(http.Header)
	}
	return &Response{
		URL:     rawURL,
		Status:  status,
		Headers: headers,
		Body:    body,
		Request: req,
	}
}

// Text returns the body decoded using the charset from the Content-Type
// header, a BOM, or a <meta> declaration, falling back to UTF-8.
func (r *Response) Text() string {
	r.decode()
	return r.text
}

// Encoding returns the name of the charset used by Text.
func (r *Response) Encoding() string {
	r.decode()
	return r.encoding
}

func (r *Response) decode() {
	r.textOnce.Do(func() {
		enc, name, _ := charset.DetermineEncoding(r.Body, r.Headers.Get("Content-Type"))
		r.encoding = name
		decoded, err := enc.NewDecoder().Bytes(r.Body)
		if err != nil {
			r.text = string(r.Body)
			return
		}
		r.text = string(decoded)
	})
}

// Document parses the body as HTML once and returns the goquery document.
func (r *Response) Document() (*goquery.Document, error) {
	r.docOnce.Do(func() {
		r.doc, r.docErr = goquery.NewDocumentFromReader(bytes.NewReader([]byte(r.Text())))
		if r.docErr != nil {
			r.docErr = fmt.Errorf("failed to parse html from %s: %w", r.URL, r.docErr)
		}
	})
	return r.doc, r.docErr
}

// URLJoin resolves href against the response URL.
func (r *Response) URLJoin(href string) (string, error) {
	base, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("invalid response url: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("invalid link %q: %w", href, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// Follow builds a GET request for href that inherits the depth of the
// originating request plus one.
func (r *Response) Follow(href string) (*Request, error) {
	abs, err := r.URLJoin(href)
	if err != nil {
		return nil, err
	}
	req := NewRequest(abs)
	if r.Request != nil {
		req.SetMeta(MetaDepth, r.Request.Depth()+1)
		if taskID, ok := r.Request.Meta[MetaTaskID]; ok {
			req.SetMeta(MetaTaskID, taskID)
		}
	}
	return req, nil
}
