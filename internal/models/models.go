package models

import "time"

// Redirect maps a tracking token to its destination. Clicked only ever
// flips from false to true.
type Redirect struct {
	ProductName    string     `json:"productName"`
	DestinationURL string     `json:"destinationUrl"`
	RequesterID    string     `json:"userId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	Clicked        bool       `json:"clicked"`
	ClickedAt      *time.Time `json:"clickedAt,omitempty"`
}

// ClickMetadata is what the redirect endpoint knows about the visitor
type ClickMetadata struct {
	IP        string `json:"ip"`
	UserAgent string `json:"userAgent"`
	Referrer  string `json:"referer"`
}

// ClickEvent is one resolved click on a tracking token
type ClickEvent struct {
	TrackingToken  string        `json:"trackingId"`
	ProductName    string        `json:"productName"`
	DestinationURL string        `json:"destinationUrl"`
	RequesterID    string        `json:"userId,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	Click          ClickMetadata `json:"clickData"`
}

// ClickStats aggregates the click log and redirect table
type ClickStats struct {
	TotalClicks      int            `json:"totalClicks"`
	UniqueUsers      int            `json:"uniqueUsers"`
	ClicksByProduct  map[string]int `json:"clicksByProduct"`
	TotalRedirects   int            `json:"totalRedirects"`
	ClickedRedirects int            `json:"clickedRedirects"`
}

// ActivityRecord is written once per successful publication
type ActivityRecord struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	ArtifactID string    `json:"artifact,omitempty"`
	MediaID    string    `json:"mediaId"`
	Caption    string    `json:"caption"`
}

// Evaluation is one entry of the optimizer's performance history
type Evaluation struct {
	At             time.Time `json:"at"`
	Posts          int       `json:"posts"`
	Conversions    int       `json:"conversions"`
	Decision       string    `json:"decision"`
	IntervalMillis int64     `json:"intervalMillis"`
}

// Strategy is the persisted scheduler strategy
type Strategy struct {
	IntervalMillis     int64        `json:"currentInterval"`
	ActiveHashtags     []string     `json:"activeHashtags"`
	PerformanceHistory []Evaluation `json:"performanceHistory"`
}

// Interval returns the strategy interval as a duration
func (s Strategy) Interval() time.Duration {
	return time.Duration(s.IntervalMillis) * time.Millisecond
}

// SchedulerStatus is the observable state of the publishing loop
type SchedulerStatus struct {
	State          string     `json:"state"`
	Paused         bool       `json:"paused"`
	Message        string     `json:"message,omitempty"`
	LastPostAt     *time.Time `json:"lastPostAt,omitempty"`
	LastArtifact   string     `json:"lastArtifact,omitempty"`
	NextRunAt      *time.Time `json:"nextRunAt,omitempty"`
	IntervalMillis int64      `json:"intervalMillis"`
	PostedCount    int        `json:"postedCount"`
	LastError      string     `json:"lastError,omitempty"`
}
