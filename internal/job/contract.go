package job

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/user/tend/internal/jobstore"
)

// ErrContractDrift is matched by a *DriftError.
var ErrContractDrift = errors.New("contract drift")

// Mismatch is one contract field that changed between launches.
type Mismatch struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// DriftError aborts a restart whose environment no longer matches the
// contract of the previous launch.
type DriftError struct {
	JobID      string
	Mismatches []Mismatch
}

func (e *DriftError) Error() string {
	parts := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		parts[i] = fmt.Sprintf("%s %q -> %q", m.Field, m.Old, m.New)
	}
	return fmt.Sprintf("job %s: contract drift: %s", e.JobID, strings.Join(parts, ", "))
}

func (e *DriftError) Is(target error) bool { return target == ErrContractDrift }

// VerifyContract compares two contracts field by field. Fields unset in
// either contract are skipped, so records written before a field existed
// stay compatible.
func VerifyContract(old, fresh *jobstore.Contract) []Mismatch {
	if old == nil || fresh == nil {
		return nil
	}
	var out []Mismatch
	check := func(field, a, b string) {
		if a != "" && b != "" && a != b {
			out = append(out, Mismatch{Field: field, Old: a, New: b})
		}
	}
	itoa := func(n int) string {
		if n <= 0 {
			return ""
		}
		return strconv.Itoa(n)
	}
	check("auth_source", old.AuthSource, fresh.AuthSource)
	check("auth_mode", old.AuthMode, fresh.AuthMode)
	check("model", old.Model, fresh.Model)
	check("base_url", old.BaseURL, fresh.BaseURL)
	check("timeout_min", itoa(old.TimeoutMin), itoa(fresh.TimeoutMin))
	check("mode", string(old.Mode), string(fresh.Mode))
	return out
}
