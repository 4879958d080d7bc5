package virustotal

import "fmt"

// HTTPError is a non-2xx answer from the provider.
type HTTPError struct {
	Code   int
	Status string
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Status)
}
