package models

// JobType names a queue payload kind
type JobType string

const (
	JobPoll           JobType = "poll"
	JobSaveMessage    JobType = "save_message"
	JobReconciliation JobType = "reconciliation"
	JobContactsSync   JobType = "contacts_sync"
)

// PollJob asks a driver to poll one account
type PollJob struct {
	AccountID int64    `json:"accountId"`
	Platform  Platform `json:"platform"`
}

// SaveMessageJob carries one normalized message to the ingestion pipeline
type SaveMessageJob struct {
	Message   NormalizedMessage `json:"message"`
	AccountID int64             `json:"accountId"`
	Platform  Platform          `json:"platform"`
	UserID    int64             `json:"userId"`
}

// ReconciliationJob asks for a missed-message pass on an email account
type ReconciliationJob struct {
	AccountID int64 `json:"accountId"`
}

// ContactsSyncJob asks a driver to refresh known contacts
type ContactsSyncJob struct {
	AccountID int64    `json:"accountId"`
	Platform  Platform `json:"platform"`
	UserID    int64    `json:"userId"`
}
