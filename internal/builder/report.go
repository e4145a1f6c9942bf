package builder

import (
	"errors"
	"fmt"
	"strings"
)

// Report collects the outcome of a build. Errors for single statements are
// collected here and the build continues with the remaining statements.
type Report struct {
	Nodes         int     `json:"nodes"`
	Relationships int     `json:"relationships"`
	Duplicates    int     `json:"duplicates"`
	Rejected      int     `json:"rejected"`
	Errors        []error `json:"-"`
}

func (r *Report) add(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err)
	}
}

// Err joins every collected error, or returns nil for a clean build
func (r *Report) Err() error {
	return errors.Join(r.Errors...)
}

// Messages returns the collected errors as strings
func (r *Report) Messages() []string {
	msgs := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		msgs = append(msgs, err.Error())
	}
	return msgs
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d nodes, %d relationships (%d duplicates, %d rejected)", r.Nodes, r.Relationships, r.Duplicates, r.Rejected)
	if len(r.Errors) > 0 {
		fmt.Fprintf(&b, ", %d errors", len(r.Errors))
	}
	return b.String()
}
