// Package queues parses the queue specifier grammar shared with
// other-ecosystem workers: semicolon-separated pools of comma-separated
// queue names, each pool optionally carrying its own concurrency.
//
//	"*"                      all queues, one pool
//	"high,default:4"         one pool, concurrency of the last :n wins
//	"high:2;default,low:4"   two pools
//	"+high,low"              strict candidate order (high before low)
//	"-batch,reports"         all queues except batch and reports
package queues

import (
	"fmt"
	"strconv"
	"strings"
)

// Pool is one group of workers bound to a set of queues.
type Pool struct {
	// Names is the ordered include list. Empty means all queues.
	Names []string
	// Exclude lists queues to skip; only set when the spec used "-".
	Exclude []string
	// Ordered pins candidate lookup to the Names order instead of the
	// canonical priority ordering ("+" prefix).
	Ordered bool
	// Concurrency is the worker count for this pool; 0 means the caller's
	// default applies.
	Concurrency int
}

// All reports whether the pool serves every queue.
func (p Pool) All() bool {
	return len(p.Names) == 0
}

// Matches reports whether a queue name is served by this pool.
func (p Pool) Matches(queue string) bool {
	for _, ex := range p.Exclude {
		if ex == queue {
			return false
		}
	}
	if p.All() {
		return true
	}
	for _, name := range p.Names {
		if name == queue {
			return true
		}
	}
	return false
}

// String renders the pool back in specifier form, for logs.
func (p Pool) String() string {
	var b strings.Builder
	if p.Ordered {
		b.WriteByte('+')
	}
	switch {
	case len(p.Exclude) > 0:
		b.WriteByte('-')
		b.WriteString(strings.Join(p.Exclude, ","))
	case p.All():
		b.WriteByte('*')
	default:
		b.WriteString(strings.Join(p.Names, ","))
	}
	if p.Concurrency > 0 {
		fmt.Fprintf(&b, ":%d", p.Concurrency)
	}
	return b.String()
}

// Parse parses a queue specifier into its pools. An empty spec is "*".
func Parse(spec string) ([]Pool, error) {
	if strings.TrimSpace(spec) == "" {
		spec = "*"
	}
	var pools []Pool
	for _, part := range strings.Split(spec, ";") {
		pool, err := parsePool(part)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

func parsePool(part string) (Pool, error) {
	part = strings.TrimSpace(part)
	if part == "" {
		return Pool{}, fmt.Errorf("empty pool in queue specifier")
	}

	var pool Pool
	exclude := false
	switch {
	case strings.HasPrefix(part, "+"):
		pool.Ordered = true
		part = part[1:]
	case strings.HasPrefix(part, "-"):
		exclude = true
		part = part[1:]
	}

	for _, entry := range strings.Split(part, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return Pool{}, fmt.Errorf("empty queue name in %q", part)
		}
		name := entry
		if i := strings.IndexByte(entry, ':'); i >= 0 {
			name = strings.TrimSpace(entry[:i])
			n, err := strconv.Atoi(strings.TrimSpace(entry[i+1:]))
			if err != nil || n < 1 {
				return Pool{}, fmt.Errorf("invalid concurrency in %q", entry)
			}
			pool.Concurrency = n
		}
		if name == "*" {
			if exclude {
				return Pool{}, fmt.Errorf("cannot exclude %q", "*")
			}
			continue // all queues: leave Names empty
		}
		if exclude {
			pool.Exclude = append(pool.Exclude, name)
		} else {
			pool.Names = append(pool.Names, name)
		}
	}
	return pool, nil
}
