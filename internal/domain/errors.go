package domain

import "errors"

var (
	// ErrThreadNotFound is returned when the provider has no messages for a
	// thread id.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrJobNotFound is returned when a thread job cannot be found in storage.
	ErrJobNotFound = errors.New("thread job not found")

	// ErrDeadlineExceeded is returned when a pipeline invocation ran out of
	// its wall-clock budget.
	ErrDeadlineExceeded = errors.New("job deadline exceeded")
)

// CrawlError wraps a provider or collaborator failure so the pipeline can
// route the job to ERROR_CRAWL instead of ERROR_GENERIC.
type CrawlError struct {
	Err error
}

func (e *CrawlError) Error() string {
	return "crawl failed: " + e.Err.Error()
}

func (e *CrawlError) Unwrap() error {
	return e.Err
}

// NewCrawlError wraps err as a crawl failure.
func NewCrawlError(err error) error {
	return &CrawlError{Err: err}
}
