package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// NewMockForTests returns a Store whose HTTP transport is an in-process fake
// bucket. It answers the HEAD, GET, PUT, DELETE and ListObjectsV2 requests
// the store issues.
func NewMockForTests() *Store {
	awsCfg, _ := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(defaultRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	bucket := &fakeBucket{objects: make(map[string]fakeObject)}
	return newStore(awsCfg, Config{Bucket: "herbtrace-test", Endpoint: "https://mock.s3.local", PathStyle: true},
		&http.Client{Transport: bucket})
}

type fakeObject struct {
	body        []byte
	contentType string
	metadata    http.Header
}

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

func (b *fakeBucket) RoundTrip(req *http.Request) (*http.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, key, _ := strings.Cut(strings.TrimPrefix(req.URL.Path, "/"), "/")
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return b.list(req.URL.Query().Get("prefix")), nil
	}
	switch req.Method {
	case http.MethodHead, http.MethodGet:
		obj, ok := b.objects[key]
		if !ok {
			return respond(http.StatusNotFound, nil, nil), nil
		}
		h := http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Etag":           {`"` + fmt.Sprintf("%x", len(obj.body)) + `"`},
			"Last-Modified":  {time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat)},
		}
		for k, v := range obj.metadata {
			h[k] = v
		}
		if req.Method == http.MethodHead {
			return respond(http.StatusOK, h, nil), nil
		}
		return respond(http.StatusOK, h, obj.body), nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if decoded, ok := decodeAWSChunked(body); ok {
			body = decoded
		}
		meta := http.Header{}
		for k, v := range req.Header {
			if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") {
				meta[k] = v
			}
		}
		b.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type"), metadata: meta}
		return respond(http.StatusOK, http.Header{"Etag": {`"put"`}}, nil), nil
	case http.MethodDelete:
		delete(b.objects, key)
		return respond(http.StatusNoContent, nil, nil), nil
	}
	return respond(http.StatusNotImplemented, nil, nil), nil
}

func (b *fakeBucket) list(prefix string) *http.Response {
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var buf strings.Builder
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
	for _, k := range keys {
		fmt.Fprintf(&buf, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-11-01T00:00:00Z</LastModified></Contents>",
			k, len(b.objects[k].body))
	}
	buf.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, http.Header{"Content-Type": {"application/xml"}}, []byte(buf.String()))
}

func respond(status int, h http.Header, body []byte) *http.Response {
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{StatusCode: status, Header: h, Body: io.NopCloser(bytes.NewReader(body)), ContentLength: int64(len(body))}
}

// decodeAWSChunked unwraps a single-chunk aws-chunked upload body of the form
// <hex size>[;chunk-signature=...]\r\n<data>\r\n0...
func decodeAWSChunked(body []byte) ([]byte, bool) {
	header, rest, ok := bytes.Cut(body, []byte("\r\n"))
	if !ok {
		return nil, false
	}
	sizeField, _, _ := bytes.Cut(header, []byte(";"))
	size, err := strconv.ParseInt(string(sizeField), 16, 64)
	if err != nil || size < 0 || int64(len(rest)) < size {
		return nil, false
	}
	tail := rest[size:]
	if !bytes.HasPrefix(tail, []byte("\r\n0")) {
		return nil, false
	}
	return rest[:size], true
}
