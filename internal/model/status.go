package model

// DocumentState tracks a document through the pipeline.
//
//	uploading -> extracting -> committing -> cataloged
//	uploading -> extracting -> discarded
//	cataloged -> deleting   -> removed
type DocumentState string

const (
	StateUploading  DocumentState = "uploading"
	StateExtracting DocumentState = "extracting"
	StateCommitting DocumentState = "committing"
	StateCataloged  DocumentState = "cataloged"
	StateDiscarded  DocumentState = "discarded"
	StateDeleting   DocumentState = "deleting"
	StateRemoved    DocumentState = "removed"
)

// FileStatus reports the outcome of a single file in an upload batch.
// Stage is the last state reached; for discarded files it names where the failure happened.
type FileStatus struct {
	FileName   string        `json:"file_name"`
	DocumentID string        `json:"document_id,omitempty"`
	Status     DocumentState `json:"status"`
	Stage      DocumentState `json:"stage"`
	Error      string        `json:"error,omitempty"`
}

// UploadResult summarizes an upload batch. SuccessCount < Total means a partial batch.
type UploadResult struct {
	SuccessCount int          `json:"success_count"`
	Total        int          `json:"total"`
	Files        []FileStatus `json:"files"`
	Message      string       `json:"message"`
}

// OperationResult is returned by delete and rebuild.
type OperationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
