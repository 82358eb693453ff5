// Package round owns the daily round lifecycle: date-keyed codes, the
// wall-clock schedule, the commit hash sealing parameters at open, and the
// OPEN -> LOCKED -> SETTLED|VOID state machine.
package round

import (
	"fmt"
	"regexp"
	"time"

	"github.com/atmx/updown-engine/internal/apperr"
)

// CodeLayout is the date layout of a round code.
const CodeLayout = "20060102"

// codeRegex matches: {YYYYMMDD}
// Example: 20250815
var codeRegex = regexp.MustCompile(`^\d{8}$`)

// CodeFor returns the code of the round trading on t's date in loc.
func CodeFor(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(CodeLayout)
}

// ParseCode validates code and returns midnight of its date in loc.
func ParseCode(code string, loc *time.Location) (time.Time, error) {
	if !codeRegex.MatchString(code) {
		return time.Time{}, fmt.Errorf("round code %q (expected YYYYMMDD): %w", code, apperr.ErrInvalidInput)
	}
	day, err := time.ParseInLocation(CodeLayout, code, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("round code %q: %v: %w", code, err, apperr.ErrInvalidInput)
	}
	return day, nil
}
