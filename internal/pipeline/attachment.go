package pipeline

import (
	"encoding/json"
	"strings"
)

// Kind is the handler class of an attachment, derived from its MIME type.
type Kind int

const (
	KindOther Kind = iota
	KindImage
	KindPDF
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindPDF:
		return "pdf"
	}
	return "other"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

const mimePDF = "application/pdf"

// Classify maps a MIME type to a Kind. Rules are evaluated in order:
// an image/ prefix, then exactly application/pdf, then everything else.
func Classify(mimeType string) Kind {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(m, "image/"):
		return KindImage
	case m == mimePDF:
		return KindPDF
	}
	return KindOther
}

// Attachment is a downloaded payload waiting for processing. It is not kept
// after its task finishes.
type Attachment struct {
	Data     []byte
	MimeType string
	FileName string
	Kind     Kind
}

func NewAttachment(data []byte, mimeType, fileName string) Attachment {
	return Attachment{
		Data:     data,
		MimeType: mimeType,
		FileName: fileName,
		Kind:     Classify(mimeType),
	}
}

// Source is the metadata of a processed attachment, without its bytes.
type Source struct {
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName,omitempty"`
	Size     int    `json:"size"`
	Kind     Kind   `json:"kind"`
}

func (a Attachment) Source() Source {
	return Source{
		MimeType: a.MimeType,
		FileName: a.FileName,
		Size:     len(a.Data),
		Kind:     a.Kind,
	}
}

// Artifact is the result of processing one attachment: ExtractedText for
// images, StoredFile for PDFs.
type Artifact interface {
	From() Source
}

// ExtractedText is OCR output. It is broadcast, never stored.
type ExtractedText struct {
	Source Source
	Text   string
}

// StoredFile is a document written to the archive.
type StoredFile struct {
	Source Source
	Path   string
}

func (e ExtractedText) From() Source { return e.Source }
func (s StoredFile) From() Source    { return s.Source }
