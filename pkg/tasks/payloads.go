package tasks

// Every payload additionally carries correlation_id and timestamp, injected
// by the scheduler at enqueue time rather than supplied by the caller.
type Envelope struct {
	CorrelationID string `json:"correlation_id"`
	Timestamp     int64  `json:"timestamp"`
}

// ProcessEmailPayload is the process_email task's payload: normalize an
// inbound email, detect its thread, persist it, index it. The handler does
// not classify the email (categories and spam score are left unset) and does
// not store the listed attachments.
type ProcessEmailPayload struct {
	Envelope
	MessageID   string   `json:"message_id"`
	ThreadRefs  []string `json:"thread_refs,omitempty"`
	From        string   `json:"from"`
	To          []string `json:"to"`
	Subject     string   `json:"subject"`
	TextContent string   `json:"text_content"`
	HTMLContent string   `json:"html_content,omitempty"`
	Attachments []struct {
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
		SizeBytes   int64  `json:"size_bytes"`
		BlobKey     string `json:"blob_key,omitempty"`
	} `json:"attachments,omitempty"`
}

// SendEmailPayload is the send_email task's payload.
type SendEmailPayload struct {
	Envelope
	MessageID   string            `json:"message_id"`
	To          []string          `json:"to"`
	CC          []string          `json:"cc,omitempty"`
	BCC         []string          `json:"bcc,omitempty"`
	From        string            `json:"from"`
	FromName    string            `json:"from_name,omitempty"`
	Subject     string            `json:"subject"`
	TextBody    string            `json:"text_body,omitempty"`
	HTMLBody    string            `json:"html_body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	DKIMDomain  string            `json:"dkim_domain,omitempty"`
	Attachments []struct {
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
		BlobKey     string `json:"blob_key"`
	} `json:"attachments,omitempty"`
}

// AttachmentRef identifies one raw attachment blob pending processing.
type AttachmentRef struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	RawBlobKey  string `json:"raw_blob_key"`
	SizeBytes   int64  `json:"size_bytes"`
}

// ProcessAttachmentsPayload is the process_attachments task's payload.
type ProcessAttachmentsPayload struct {
	Envelope
	MessageID       string          `json:"message_id"`
	Attachments     []AttachmentRef `json:"attachments"`
	MaxSizeBytes    int64           `json:"max_size_bytes,omitempty"`
	AllowedMimeList []string        `json:"allowed_mime_list,omitempty"`
}

// GenerateAnalyticsPayload is the generate_analytics task's payload.
type GenerateAnalyticsPayload struct {
	Envelope
	WindowStartMs int64    `json:"window_start_ms"`
	WindowEndMs   int64    `json:"window_end_ms"`
	EventTypes    []string `json:"event_types,omitempty"`
}

// CleanupStoragePayload is the cleanup_storage task's payload.
type CleanupStoragePayload struct {
	Envelope
	CutoffMs        int64    `json:"cutoff_ms"`
	Types           []string `json:"types,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	DryRun          bool     `json:"dry_run,omitempty"`
}

// IndexSearchOptions carries index_search's language selector and chunking
// knobs.
type IndexSearchOptions struct {
	Language  string `json:"language,omitempty"`
	ChunkSize int    `json:"chunk_size,omitempty"`
}

// IndexSearchPayload is the index_search task's payload.
type IndexSearchPayload struct {
	Envelope
	DocType  string                 `json:"doc_type"`
	DocID    string                 `json:"doc_id"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Options  IndexSearchOptions     `json:"options,omitempty"`
	Delete   bool                   `json:"delete,omitempty"`
}

// UpdateThreadPayload is the update_thread task's payload.
type UpdateThreadPayload struct {
	Envelope
	ThreadID       string                 `json:"thread_id"`
	Mutation       map[string]interface{} `json:"mutation"`
	ExpectedLockID string                 `json:"expected_lock_id,omitempty"`
	ReindexAfter   bool                   `json:"reindex_after,omitempty"`
}

// SendNotificationPayload is the send_notification task's payload.
type SendNotificationPayload struct {
	Envelope
	UserID   string                 `json:"user_id"`
	Channel  string                 `json:"channel"` // email | push | sms | in_app
	Title    string                 `json:"title"`
	Body     string                 `json:"body"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
