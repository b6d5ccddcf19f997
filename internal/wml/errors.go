package wml

import "errors"

var (
	// ErrAttributeOrder indicates attributes within a node were not in
	// strictly ascending key order in the source text.
	ErrAttributeOrder = errors.New("wml: attributes out of order")

	// ErrTruncatedDocument indicates the document ended inside an
	// unterminated element or attribute value.
	ErrTruncatedDocument = errors.New("wml: truncated document")

	// ErrDocumentTooLarge indicates a decompressed payload exceeded the
	// configured size limit.
	ErrDocumentTooLarge = errors.New("wml: document too large")

	// ErrInvalidToken indicates malformed document text outside the more
	// specific error cases above.
	ErrInvalidToken = errors.New("wml: invalid token")
)
