package store

import "time"

type User struct {
	ID        int64
	Username  string
	Email     string
	AvatarURL string
	Role      string
	Created   time.Time
}

// PersonalAccessToken is a row in pats. AccessToken is the secret value; it
// leaves the store as a raw integer and is string-encoded at the API boundary.
type PersonalAccessToken struct {
	ID          int64
	AccessToken int64
	UserID      int64
	Scope       string
	ExpiresAt   time.Time
}

type Thread struct {
	ID      int64
	Type    string
	Members []int64
	Created time.Time
}

// ThreadMessage is one entry in a thread. AuthorID is nil for messages the
// system posts on its own; BodyType distinguishes plain text from the
// closure/reopen event variants.
type ThreadMessage struct {
	ID       int64
	ThreadID int64
	AuthorID *int64
	Body     string
	BodyType string
	Created  time.Time
}

const (
	ThreadTypeReport = "report"

	MessageBodyText    = "text"
	MessageBodyClosure = "thread_closure"
	MessageBodyReopen  = "thread_reopen"
)

// TargetKind tags which entity a report points at. A report row keeps at
// most one of the three target columns set.
type TargetKind string

const (
	TargetProject TargetKind = "project"
	TargetVersion TargetKind = "version"
	TargetUser    TargetKind = "user"
	TargetUnknown TargetKind = "unknown"
)

func ParseTargetKind(raw string) TargetKind {
	switch TargetKind(raw) {
	case TargetProject, TargetVersion, TargetUser:
		return TargetKind(raw)
	default:
		return TargetUnknown
	}
}

// Report is the denormalized read shape: the catalog id is resolved to its
// name, and the thread binding is always present.
type Report struct {
	ID         int64
	ReportType string
	ProjectID  *int64
	VersionID  *int64
	UserID     *int64
	Body       string
	Reporter   int64
	Created    time.Time
	Closed     bool
	ThreadID   int64
}

// CreateReportParams carries everything the create transaction needs. The
// target id has already been codec-decoded by the caller.
type CreateReportParams struct {
	ReportType string
	TargetKind TargetKind
	TargetID   int64
	Body       string
	Reporter   int64
}

// EditReportParams mutates a loaded report. Nil fields are left untouched.
// WasClosed is the state the caller observed; it picks the thread message
// variant when Closed flips.
type EditReportParams struct {
	ID        int64
	ThreadID  int64
	ActorID   int64
	Body      *string
	Closed    *bool
	WasClosed bool
}
