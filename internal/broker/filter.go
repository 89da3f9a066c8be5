package broker

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
)

// filter is a compiled subscriber predicate. The zero value matches everything.
type filter struct {
	prog    cel.Program
	enabled bool
}

var filterEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("channel", cel.StringType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("sender", cel.StringType),
		// Parsed JSON payload for field filtering.
		cel.Variable("payload", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
})

func compileFilter(expr string) (filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return filter{}, nil
	}
	env, err := filterEnv()
	if err != nil {
		return filter{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return filter{}, iss.Err()
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return filter{}, fmt.Errorf("filter must evaluate to bool, got %s", ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return filter{}, err
	}
	return filter{prog: prog, enabled: true}, nil
}

// event is what filters are evaluated against.
type event struct {
	channel   string
	eventType string
	sender    string
	payload   any
}

func newEvent(channel, eventType, sender string, payload json.RawMessage) event {
	var body any
	_ = json.Unmarshal(payload, &body)
	return event{channel: channel, eventType: eventType, sender: sender, payload: body}
}

// match reports whether the event passes the filter. Evaluation errors,
// such as a missing payload field, do not match.
func (f filter) match(ev event) bool {
	if !f.enabled {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"channel":    ev.channel,
		"event_type": ev.eventType,
		"sender":     ev.sender,
		"payload":    ev.payload,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// filterCacheSize bounds the number of compiled programs kept in memory.
const filterCacheSize = 1024

// filterCache keeps compiled programs for recently used expressions.
type filterCache struct {
	progs *lru.Cache[string, filter]
}

func newFilterCache(size int) *filterCache {
	progs, err := lru.New[string, filter](size)
	if err != nil {
		panic(fmt.Sprintf("filter cache: %v", err))
	}
	return &filterCache{progs: progs}
}

func (c *filterCache) get(expr string) (filter, error) {
	if f, ok := c.progs.Get(expr); ok {
		return f, nil
	}
	f, err := compileFilter(expr)
	if err != nil {
		return filter{}, err
	}
	c.progs.Add(expr, f)
	return f, nil
}

func (c *filterCache) size() int {
	return c.progs.Len()
}
