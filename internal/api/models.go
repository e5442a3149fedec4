package api

// SubmitTaskRequest is the body of POST /api/tasks. Payload is opaque to the
// queue; its "type" field selects the handler.
type SubmitTaskRequest struct {
	Payload string `json:"payload" validate:"required"`
}

// NoteRequest carries an optional operator note for retry and resolve.
type NoteRequest struct {
	Resolution string `json:"resolution" validate:"max=1000"`
}

// UpdatePayloadRequest is the body of PUT /api/dlq/{id}/update-payload.
type UpdatePayloadRequest struct {
	Payload    string `json:"payload" validate:"required"`
	Resolution string `json:"resolution" validate:"max=1000"`
}
