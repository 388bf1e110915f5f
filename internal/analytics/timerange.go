package analytics

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/untoldecay/hive/internal/types"
)

var relativePattern = regexp.MustCompile(`^(\d+)([dhm])$`)

var naturalParser = func() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}()

// ParseTime turns a time filter into an absolute instant. It accepts
// relative forms ("7d", "24h", "30m"), RFC 3339, and natural language
// ("yesterday", "last monday").
func ParseTime(s string, now time.Time) (time.Time, error) {
	if m := relativePattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: bad duration %q", types.ErrInvalid, s)
		}
		var unit time.Duration
		switch m[2] {
		case "d":
			unit = 24 * time.Hour
		case "h":
			unit = time.Hour
		case "m":
			unit = time.Minute
		}
		return now.Add(-time.Duration(n) * unit), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	result, err := naturalParser.Parse(s, now)
	if err == nil && result != nil {
		return result.Time, nil
	}
	return time.Time{}, fmt.Errorf("%w: unparseable time %q (use Nd, Nh, Nm, or RFC 3339)", types.ErrInvalid, s)
}
