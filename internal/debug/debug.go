// Package debug provides namespace-scoped trace logging.
//
// Namespaces are enabled with a comma-separated glob list, e.g.
// HIVE_DEBUG="swarm:*" or HIVE_DEBUG="swarm:events,swarm:stream".
package debug

import (
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"
)

var (
	mu       sync.RWMutex
	patterns []string
)

func init() {
	SetNamespaces(os.Getenv("HIVE_DEBUG"))
}

// SetNamespaces replaces the enabled namespace globs. Empty disables all.
func SetNamespaces(spec string) {
	mu.Lock()
	defer mu.Unlock()
	patterns = nil
	for _, p := range strings.Split(spec, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			patterns = append(patterns, p)
		}
	}
}

// Enabled reports whether the namespace matches any enabled glob.
func Enabled(ns string) bool {
	mu.RLock()
	defer mu.RUnlock()
	for _, p := range patterns {
		if ok, _ := path.Match(p, ns); ok {
			return true
		}
	}
	return false
}

// Logf writes one trace line to stderr if the namespace is enabled.
func Logf(ns, format string, args ...interface{}) {
	if !Enabled(ns) {
		return
	}
	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintf(os.Stderr, "%s %s %s\n", ts, ns, fmt.Sprintf(format, args...))
}
