package proto

// Application payloads carried on the capability topics. Every request type
// carries a correlation identifier that the paired result type echoes, so a
// requester with several in-flight requests can demultiplex replies arriving
// on the same result topic.

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// SendMessageRequest is published to "<deviceId>/sms/send-message-requests".
type SendMessageRequest struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
	MessageID   string `json:"message_id"`
}

// SendMessageResult is published to "<deviceId>/sms/send-message-results",
// echoing the request's MessageID.
type SendMessageResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"` // "success" or "failed"
	Reason    string `json:"reason,omitempty"`
}

// ThreadsQueryRequest is published to "<deviceId>/sms/threads/query-requests".
// The (Limit, Start) pair doubles as the correlation identifier.
type ThreadsQueryRequest struct {
	Limit int `json:"limit"`
	Start int `json:"start"`
}

type ThreadsQueryResult struct {
	Limit   int      `json:"limit"`
	Start   int      `json:"start"`
	Threads []Thread `json:"threads"`
}

type Thread struct {
	ThreadID    string `json:"thread_id"`
	PhoneNumber string `json:"phone_number"`
	Snippet     string `json:"snippet,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// MessagesQueryRequest is published to "<deviceId>/sms/messages/query-requests".
// The (ThreadID, Limit, Start) tuple doubles as the correlation identifier.
type MessagesQueryRequest struct {
	ThreadID string `json:"thread_id"`
	Limit    int    `json:"limit"`
	Start    int    `json:"start"`
}

type MessagesQueryResult struct {
	ThreadID string       `json:"thread_id"`
	Limit    int          `json:"limit"`
	Start    int          `json:"start"`
	Messages []SMSMessage `json:"messages"`
}

type SMSMessage struct {
	PhoneNumber string `json:"phone_number"`
	Body        string `json:"body"`
	Timestamp   int64  `json:"timestamp"`
	Incoming    bool   `json:"incoming,omitempty"`
}

// NewMessage is published by the device itself to
// "<deviceId>/sms/new-messages" when an SMS arrives on the handset.
type NewMessage struct {
	PhoneNumber string `json:"phone_number"`
	Body        string `json:"body"`
	Timestamp   int64  `json:"timestamp"`
}
