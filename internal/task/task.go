// Package task defines the Task sum type, its variants, and the
// validation/fingerprinting rules the engine enforces before a task is
// ever admitted to the holding queue.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// Kind tags which variant a Task carries.
type Kind string

const (
	KindDownload         Kind = "download"
	KindParallelDownload Kind = "parallelDownload"
	KindUpload           Kind = "upload"
	KindMultipartUpload  Kind = "multipartUpload"
	KindUriDownload      Kind = "uriDownload"
	KindUriUpload        Kind = "uriUpload"
	KindData             Kind = "data"
)

// Method is the HTTP verb a task issues.
type Method string

const (
	MethodGET    Method = "GET"
	MethodPOST   Method = "POST"
	MethodPUT    Method = "PUT"
	MethodPATCH  Method = "PATCH"
	MethodDELETE Method = "DELETE"
	MethodHEAD   Method = "HEAD"
)

// Updates is the client's update-delivery preference for a task.
type Updates string

const (
	UpdatesNone              Updates = "none"
	UpdatesStatus            Updates = "status"
	UpdatesProgress          Updates = "progress"
	UpdatesStatusAndProgress Updates = "statusAndProgress"
)

func (u Updates) WantsStatus() bool {
	return u == UpdatesStatus || u == UpdatesStatusAndProgress
}

func (u Updates) WantsProgress() bool {
	return u == UpdatesProgress || u == UpdatesStatusAndProgress
}

// SuggestFilename is the sentinel filename telling a worker to derive one.
const SuggestFilename = "suggest"

// DefaultGroup is used when a task does not specify a group.
const DefaultGroup = "default"

// Headers is an ordered, case-insensitive-lookup header map, mirroring
// the teacher's habit of round-tripping a JSON-serialized header map
// through storage (internal/core/engine.go newRequest).
type Headers struct {
	keys   []string
	values map[string]string // lowercased key -> value
	orig   map[string]string // lowercased key -> original-case key
}

func NewHeaders() *Headers {
	return &Headers{values: make(map[string]string), orig: make(map[string]string)}
}

func HeadersFromMap(m map[string]string) *Headers {
	h := NewHeaders()
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func (h *Headers) Set(key, value string) {
	lk := strings.ToLower(key)
	if _, exists := h.values[lk]; !exists {
		h.keys = append(h.keys, lk)
	}
	h.values[lk] = value
	h.orig[lk] = key
}

func (h *Headers) Get(key string) (string, bool) {
	if h == nil {
		return "", false
	}
	v, ok := h.values[strings.ToLower(key)]
	return v, ok
}

// Ordered returns (key, value) pairs in insertion order using original casing.
func (h *Headers) Ordered() [][2]string {
	if h == nil {
		return nil
	}
	out := make([][2]string, 0, len(h.keys))
	for _, lk := range h.keys {
		out = append(out, [2]string{h.orig[lk], h.values[lk]})
	}
	return out
}

func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.keys)
}

// BodyKind tags which representation a request Body carries.
type BodyKind string

const (
	BodyNone  BodyKind = "none"
	BodyText  BodyKind = "text"
	BodyBytes BodyKind = "bytes"
	BodyJSON  BodyKind = "json"
)

type Body struct {
	Kind  BodyKind
	Text  string
	Bytes []byte
	JSON  any
}

func (b *Body) Empty() bool {
	if b == nil {
		return true
	}
	switch b.Kind {
	case BodyText:
		return b.Text == ""
	case BodyBytes:
		return len(b.Bytes) == 0
	case BodyJSON:
		return b.JSON == nil
	default:
		return true
	}
}

// BaseDirectory enumerates the well-known destination roots a
// DownloadTask resolves its SubDirectory/Filename against. The engine
// resolves each value to an absolute directory itself
// (internal/engine/destination.go); shared-storage placement is out of
// scope per spec.md §1.
type BaseDirectory string

const (
	BaseDirectoryApplicationSupport BaseDirectory = "applicationSupport"
	BaseDirectoryApplicationLibrary BaseDirectory = "applicationLibrary"
	BaseDirectoryTemporary          BaseDirectory = "temporary"
	BaseDirectoryDocuments          BaseDirectory = "documents"
)

type Destination struct {
	BaseDirectory BaseDirectory
	SubDirectory  string
	Filename      string
}

type DownloadSpec struct {
	Destination Destination
}

type ParallelDownloadSpec struct {
	Destination Destination
	Chunks      int
	MirrorURLs  []string
}

type UploadSpec struct {
	SourcePath string
	FileField  string
	MimeType   string
}

type MultipartField struct {
	Name  string
	Value string
}

type MultipartFilePart struct {
	FieldName string
	FilePath  string
	MimeType  string
}

type MultipartUploadSpec struct {
	Files  []MultipartFilePart
	Fields []MultipartField
}

type UriDownloadSpec struct {
	DestinationURI string
}

type UriUploadSpec struct {
	SourceURI string
}

type DataSpec struct{}

// Task is the engine's sum type. Exactly one of the variant pointers
// matching Kind is populated; see NewDownload/NewUpload/etc.
type Task struct {
	ID           string
	URL          string
	Headers      *Headers
	Method       Method
	Body         *Body
	Group        string
	Updates      Updates
	Retries      int
	RetriesRemain int
	RequiresWiFi bool
	AllowPause   bool
	Priority     int
	MetaData     string
	DisplayName  string
	CreationTime time.Time
	Seq          int64 // tie-breaker for equal CreationTime, assigned at construction

	Kind             Kind
	Download         *DownloadSpec
	ParallelDownload *ParallelDownloadSpec
	Upload           *UploadSpec
	MultipartUpload  *MultipartUploadSpec
	UriDownload      *UriDownloadSpec
	UriUpload        *UriUploadSpec
	Data             *DataSpec
}

var seqCounter atomic.Int64

func nextSeq() int64 { return seqCounter.Add(1) }

// New fills in the common fields shared by all variants with their
// spec-mandated defaults. Callers then attach the variant spec and Kind.
func New(id, rawURL string) *Task {
	return &Task{
		ID:            id,
		URL:           rawURL,
		Headers:       NewHeaders(),
		Method:        MethodGET,
		Group:         DefaultGroup,
		Updates:       UpdatesStatusAndProgress,
		Retries:       0,
		RetriesRemain: 0,
		AllowPause:    false,
		Priority:      5,
		CreationTime:  time.Now(),
		Seq:           nextSeq(),
	}
}

// Validate enforces the invariants of spec.md §3. A non-nil error here
// means enqueue() must fail without ever creating a live task.
func (t *Task) Validate() error {
	if t.ID == "" {
		return &TaskError{Kind: ErrGeneral, Message: "taskId must not be empty"}
	}
	u, err := url.Parse(t.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &TaskError{Kind: ErrURL, Message: fmt.Sprintf("malformed URL: %q", t.URL), Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &TaskError{Kind: ErrURL, Message: fmt.Sprintf("unsupported scheme: %q", u.Scheme)}
	}
	if t.Retries < 0 || t.Retries > 10 {
		return &TaskError{Kind: ErrGeneral, Message: "retries must be within 0..10"}
	}
	if t.Priority < 0 || t.Priority > 10 {
		return &TaskError{Kind: ErrGeneral, Message: "priority must be within 0..10"}
	}
	if t.AllowPause && !t.Body.Empty() {
		return &TaskError{Kind: ErrGeneral, Message: "allowPause requires an empty request body"}
	}
	switch t.Kind {
	case KindDownload:
		if t.Download == nil {
			return &TaskError{Kind: ErrGeneral, Message: "download task missing DownloadSpec"}
		}
	case KindParallelDownload:
		if t.ParallelDownload == nil || t.ParallelDownload.Chunks < 1 {
			return &TaskError{Kind: ErrGeneral, Message: "parallel download requires chunks >= 1"}
		}
	case KindUpload:
		if t.Upload == nil || t.Upload.SourcePath == "" {
			return &TaskError{Kind: ErrGeneral, Message: "upload task requires a source file path"}
		}
	case KindMultipartUpload:
		if t.MultipartUpload == nil || len(t.MultipartUpload.Files) == 0 {
			return &TaskError{Kind: ErrGeneral, Message: "multipart upload requires at least one file part"}
		}
	case KindUriDownload:
		if t.UriDownload == nil || t.UriDownload.DestinationURI == "" {
			return &TaskError{Kind: ErrGeneral, Message: "uri download requires a destination URI"}
		}
	case KindUriUpload:
		if t.UriUpload == nil || t.UriUpload.SourceURI == "" {
			return &TaskError{Kind: ErrGeneral, Message: "uri upload requires a source URI"}
		}
	case KindData:
		// no variant-specific requirement
	default:
		return &TaskError{Kind: ErrGeneral, Message: fmt.Sprintf("unknown task kind: %q", t.Kind)}
	}
	return nil
}

// IsResumableDownload reports whether this task's variant ever produces a
// temp file a worker can resume (downloads only; uploads resume via a
// different mechanism that is out of scope per spec.md §1).
func (t *Task) IsResumableDownload() bool {
	switch t.Kind {
	case KindDownload, KindParallelDownload, KindUriDownload:
		return t.AllowPause
	default:
		return false
	}
}

// Fingerprint returns a stable content hash used for de-duplication (e.g.
// CheckHistory-style "have I already fetched this?" lookups), grounded
// on the teacher's CheckHistory-by-URL helper (internal/core/engine.go)
// but widened to cover method+headers+group so two differently-authed
// requests to the same URL don't collide.
func (t *Task) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n", t.Method, t.URL, t.Group)
	for _, kv := range t.Headers.Ordered() {
		fmt.Fprintf(h, "%s:%s\n", kv[0], kv[1])
	}
	return hex.EncodeToString(h.Sum(nil))
}
