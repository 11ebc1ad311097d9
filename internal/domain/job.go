package domain

import "time"

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from the status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ReportJob is the canonical async unit processed by report workers.
type ReportJob struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Config      ReportConfig  `json:"config"`
	Fingerprint string        `json:"fingerprint"`
	Status      JobStatus     `json:"status"`
	Progress    int           `json:"progress"`
	Result      *ReportResult `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (j *ReportJob) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Row is a single record returned by a domain fetcher. ID carries the
// record key used by relationship joins; every other column lives in Values.
type Row struct {
	ID     string         `json:"id,omitempty" yaml:"id"`
	Values map[string]any `json:"values" yaml:"values"`
}

func (r Row) Clone() Row {
	values := make(map[string]any, len(r.Values))
	for key, value := range r.Values {
		values[key] = value
	}
	return Row{ID: r.ID, Values: values}
}

type DomainResult struct {
	Domain string   `json:"domain"`
	Fields []string `json:"fields"`
	Rows   []Row    `json:"rows"`
}

type ReportResult struct {
	Domains     map[string]DomainResult `json:"domains"`
	Joined      map[string][]Row        `json:"joined,omitempty"`
	GeneratedAt time.Time               `json:"generated_at"`
}

// TotalRows counts rows across every domain section, joined rows excluded.
func (r *ReportResult) TotalRows() int {
	if r == nil {
		return 0
	}
	total := 0
	for _, section := range r.Domains {
		total += len(section.Rows)
	}
	return total
}

// DomainQuery is what the generator hands to a domain data fetcher.
type DomainQuery struct {
	Domain  string
	Fields  []string
	Filters []Filter
	Sorts   []Sort
	Limit   int
	UserID  string
}

type FieldAccessResult struct {
	Allowed []string `json:"allowed"`
	Denied  []string `json:"denied"`
	Reason  string   `json:"reason,omitempty"`
}

type Sensitivity string

const (
	SensitivityCritical Sensitivity = "critical"
	SensitivityHigh     Sensitivity = "high"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityLow      Sensitivity = "low"
)

type DataClassification struct {
	Critical []string `json:"critical"`
	High     []string `json:"high"`
	Medium   []string `json:"medium"`
	Low      []string `json:"low"`
}

// Template is a saved, named report configuration.
type Template struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"owner_id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Config      ReportConfig `json:"config"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
