package types

import "errors"

// Error kinds shared across the pipeline. Callers wrap them with %w and test with errors.Is.
var (
	// ErrGalleryLoad means the gallery snapshot is missing, unreadable or has the wrong shape.
	// A session cannot start without a gallery.
	ErrGalleryLoad = errors.New("gallery load failed")

	// ErrDetection means face location failed for a frame. The frame is treated as empty.
	ErrDetection = errors.New("face detection failed")

	// ErrEncode means one or more regions could not be encoded. Those detections are skipped.
	ErrEncode = errors.New("face encoding failed")

	// ErrLogWrite means a visit row could not be appended.
	ErrLogWrite = errors.New("visit log write failed")

	// ErrLogRead means the visit log could not be read. Readers treat it as an empty log.
	ErrLogRead = errors.New("visit log read failed")
)
