package storage

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/untoldecay/hive/internal/types"
)

// placeholderRe matches `= ANY($N)` clauses (group 1) and bare $N
// placeholders (group 2) in one pass so bindings stay in textual order.
var placeholderRe = regexp.MustCompile(`(?i)=\s*ANY\s*\(\s*\$(\d+)\s*\)|\$(\d+)`)

// alwaysFalse is the predicate emitted for an empty-array ANY() binding:
// membership in the empty set. Never an empty IN ().
const alwaysFalse = "IN (SELECT NULL WHERE 0)"

// ExpandParams normalizes the two accepted parameter styles to plain ?
// placeholders.
//
//   - Plain ? queries pass through untouched.
//   - $N placeholders expand positionally; a reused $N repeats its binding.
//   - `= ANY($N)` with a slice binding becomes `IN (?, ?, ...)`. An empty
//     slice becomes an always-false predicate.
func ExpandParams(query string, args []interface{}) (string, []interface{}, error) {
	if !strings.Contains(query, "$") {
		return query, args, nil
	}

	locs := placeholderRe.FindAllStringSubmatchIndex(query, -1)
	if len(locs) == 0 {
		return query, args, nil
	}

	var sb strings.Builder
	out := make([]interface{}, 0, len(args))
	last := 0
	for _, loc := range locs {
		sb.WriteString(query[last:loc[0]])
		last = loc[1]

		if loc[2] >= 0 { // = ANY($N)
			idx, err := placeholderIndex(query[loc[2]:loc[3]], len(args))
			if err != nil {
				return "", nil, err
			}
			vals, ok := sliceValues(args[idx])
			if !ok {
				return "", nil, fmt.Errorf("%w: $%d bound to non-array in ANY()", types.ErrInvalid, idx+1)
			}
			if len(vals) == 0 {
				sb.WriteString(alwaysFalse)
				continue
			}
			sb.WriteString("IN (")
			for i, v := range vals {
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString("?")
				out = append(out, v)
			}
			sb.WriteString(")")
			continue
		}

		// Bare $N.
		idx, err := placeholderIndex(query[loc[4]:loc[5]], len(args))
		if err != nil {
			return "", nil, err
		}
		sb.WriteString("?")
		out = append(out, args[idx])
	}
	sb.WriteString(query[last:])
	return sb.String(), out, nil
}

func placeholderIndex(digits string, nargs int) (int, error) {
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: bad placeholder $%s", types.ErrInvalid, digits)
	}
	if n > nargs {
		return 0, fmt.Errorf("%w: placeholder $%d exceeds %d bindings", types.ErrInvalid, n, nargs)
	}
	return n - 1, nil
}

// sliceValues reports whether v is a slice (other than []byte) and returns
// its elements.
func sliceValues(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	if _, isBytes := v.([]byte); isBytes {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	vals := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		vals[i] = rv.Index(i).Interface()
	}
	return vals, true
}
