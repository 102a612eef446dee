// Package attachment wraps supporting documentation into FHIR Binary and
// DocumentReference resources linked to a prior-authorization request.
package attachment

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"strings"

	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
)

// recognized maps accepted media types to a display label.
var recognized = map[string]string{
	"application/pdf":       "PDF document",
	"application/dicom":     "DICOM image",
	"application/fhir+json": "FHIR JSON",
	"application/fhir+xml":  "FHIR XML",
	"application/json":      "JSON document",
	"application/xml":       "XML document",
	"application/msword":    "Word document",
	"application/rtf":       "Rich text",
	"image/gif":             "GIF image",
	"image/jpeg":            "JPEG image",
	"image/png":             "PNG image",
	"image/tiff":            "TIFF image",
	"text/html":             "HTML document",
	"text/plain":            "Plain text",
	"text/xml":              "XML document",

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "Word document",
}

// Document categories (US Core DocumentReference category)
const (
	CategoryClinicalNote = "clinical-note"
)

// InvalidAttachmentError reports an unusable attachment input.
type InvalidAttachmentError struct {
	Field   string
	Value   string
	Message string
}

func (e *InvalidAttachmentError) Error() string {
	return fmt.Sprintf("attachment %s=%q: %s", e.Field, e.Value, e.Message)
}

func (e *InvalidAttachmentError) Permanent() bool { return true }

// PriorAuthAttachment is a payload and its descriptor tied to one request.
type PriorAuthAttachment struct {
	RequestID         string                  `json:"request_id"`
	Binary            *fhir.Binary            `json:"binary"`
	DocumentReference *fhir.DocumentReference `json:"document_reference"`
}

// Recognized reports whether contentType (parameters allowed) is accepted.
func Recognized(contentType string) bool {
	_, err := NormalizeContentType(contentType)
	return err == nil
}

// NormalizeContentType lowercases the media type, drops parameters and checks it is recognized.
func NormalizeContentType(contentType string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", &InvalidAttachmentError{Field: "contentType", Value: contentType, Message: "not a valid media type"}
	}
	if _, ok := recognized[mediaType]; !ok {
		return "", &InvalidAttachmentError{Field: "contentType", Value: contentType, Message: "unrecognized media type"}
	}
	return mediaType, nil
}

// CreateAttachmentBinary wraps payload in a Binary whose id is derived from its content.
// Payload size is not limited here.
func CreateAttachmentBinary(contentType string, payload []byte) (*fhir.Binary, error) {
	mediaType, err := NormalizeContentType(contentType)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(payload)
	data := make([]byte, len(payload))
	copy(data, payload)

	return &fhir.Binary{
		ResourceType: "Binary",
		ID:           "att-" + hex.EncodeToString(sum[:16]),
		ContentType:  mediaType,
		Data:         data,
	}, nil
}

// CreateAttachmentDocumentReference describes the Binary at binaryRef for subjectRef.
func CreateAttachmentDocumentReference(binaryRef, subjectRef, category string) (*fhir.DocumentReference, error) {
	kind, binaryID, ok := splitReference(binaryRef)
	if !ok || kind != "Binary" {
		return nil, &InvalidAttachmentError{Field: "binaryRef", Value: binaryRef, Message: "expected a Binary/{id} reference"}
	}
	if _, _, ok := splitReference(subjectRef); !ok {
		return nil, &InvalidAttachmentError{Field: "subjectRef", Value: subjectRef, Message: "expected a {type}/{id} reference"}
	}
	if category == "" {
		return nil, &InvalidAttachmentError{Field: "category", Message: "document category is required"}
	}

	return &fhir.DocumentReference{
		ResourceType: "DocumentReference",
		ID:           "doc-" + binaryID,
		Status:       "current",
		Category:     []fhir.CodeableConcept{fhir.NewCodeableConcept(fhir.SystemUSCoreDocCategory, category, "")},
		Subject:      &fhir.Reference{Reference: subjectRef},
		Content: []fhir.DocumentReferenceContent{{
			Attachment: fhir.Attachment{URL: binaryRef},
		}},
	}, nil
}

// Build creates the Binary and DocumentReference for requestID and links both to its Claim.
func Build(requestID, contentType string, payload []byte, subjectRef, category string) (PriorAuthAttachment, error) {
	if requestID == "" {
		return PriorAuthAttachment{}, &InvalidAttachmentError{Field: "requestId", Message: "request id is required"}
	}

	bin, err := CreateAttachmentBinary(contentType, payload)
	if err != nil {
		return PriorAuthAttachment{}, err
	}
	claimRef := fhir.Reference{Reference: "Claim/" + requestID}
	bin.SecurityContext = &claimRef

	doc, err := CreateAttachmentDocumentReference("Binary/"+bin.ID, subjectRef, category)
	if err != nil {
		return PriorAuthAttachment{}, err
	}

	hash := sha1.Sum(payload)
	doc.Description = recognized[bin.ContentType]
	doc.Content[0].Attachment.ContentType = bin.ContentType
	doc.Content[0].Attachment.Size = len(payload)
	doc.Content[0].Attachment.Hash = hash[:]
	doc.Context = &fhir.DocumentReferenceContext{Related: []fhir.Reference{claimRef}}

	return PriorAuthAttachment{RequestID: requestID, Binary: bin, DocumentReference: doc}, nil
}

// splitReference returns the type and id of a relative or absolute reference.
func splitReference(ref string) (kind, id string, ok bool) {
	parts := strings.Split(strings.TrimSuffix(ref, "/"), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	kind, id = parts[len(parts)-2], parts[len(parts)-1]
	return kind, id, kind != "" && id != ""
}
