package pipeapi

import "time"

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type SubmitVerificationRequest struct {
	RequesterID     string `json:"requester_id"`
	SessionID       string `json:"session_id"`
	CredentialToken string `json:"credential_token"`
	WalletAddress   string `json:"wallet_address"`
	UserEmail       string `json:"user_email,omitempty"`
}

type SubmissionResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	SessionID        string `json:"session_id"`
	VerificationLink string `json:"verification_link"`
	JobID            string `json:"job_id"`
	QueuePosition    int    `json:"queue_position"`
	QueueLength      int    `json:"queue_length"`
	Status           string `json:"status"`
}

// Job is the durable record stored under job:{id}. It is both the store
// serialization and the status API payload.
type Job struct {
	ID              string       `json:"id"`
	RequesterID     string       `json:"requester_id"`
	SessionID       string       `json:"session_id"`
	CredentialToken string       `json:"credential_token"`
	WalletAddress   string       `json:"wallet_address"`
	UserEmail       string       `json:"user_email,omitempty"`
	Status          string       `json:"status"`
	Progress        int          `json:"progress"`
	CreatedAt       time.Time    `json:"created_at"`
	Result          *ProofResult `json:"result,omitempty"`
	Error           string       `json:"error,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	FailedAt        *time.Time   `json:"failed_at,omitempty"`
}

type ProofResult struct {
	BlobID           string              `json:"blob_id"`
	ElfBlobID        string              `json:"elf_blob_id"`
	CLICommand       string              `json:"cli_command"`
	VerificationLink string              `json:"verification_link"`
	SessionID        string              `json:"session_id"`
	Metadata         ResultMetadata      `json:"metadata"`
	SP1Verification  VerificationResults `json:"sp1_verification"`
}

type ResultMetadata struct {
	Domain             string              `json:"domain"`
	RequesterID        string              `json:"requester_id"`
	UploadedAt         time.Time           `json:"uploaded_at"`
	VerificationStatus string              `json:"verification_status"`
	SP1Results         VerificationResults `json:"sp1_results"`
}

// VerificationResults mirrors the prover's embedded verification object.
type VerificationResults struct {
	Domain              string `json:"domain"`
	SignatureValid      bool   `json:"signature_valid"`
	DomainVerified      bool   `json:"domain_verified"`
	ClerkUserID         string `json:"clerk_user_id"`
	SuiAddress          string `json:"sui_address"`
	VerificationSuccess bool   `json:"verification_success"`
}

type JobStatusResponse struct {
	Success bool `json:"success"`
	Job     Job  `json:"job"`
}

type JobResultResponse struct {
	Success bool        `json:"success"`
	Result  ProofResult `json:"result"`
}

type ActiveJob struct {
	JobID       string    `json:"job_id"`
	RequesterID string    `json:"requester_id"`
	StartedAt   time.Time `json:"started_at"`
	Progress    int       `json:"progress"`
}

type ProcessingStatusResponse struct {
	Processing bool       `json:"processing"`
	ActiveJob  *ActiveJob `json:"active_job,omitempty"`
}
