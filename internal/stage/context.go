package stage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/stageflow/internal/logging"
)

// StateStore is the slice of persisted workflow state a stage may touch.
// Values are strings so they survive the JSON round trip unchanged.
type StateStore interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Save() error
}

// Notifier receives human-facing progress from a running stage.
type Notifier interface {
	Progress(stage, message string)
	Error(stage string, err error)
	Complete(stage, message string)
}

// Options is the free-form per-stage configuration from the pipeline.
type Options map[string]any

// String returns the option as a string, or def when unset.
func (o Options) String(key, def string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return def
		}
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Bool returns the option as a bool. Strings such as "true" and "1" count.
func (o Options) Bool(key string) bool {
	switch t := o[key].(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	case int:
		return t != 0
	}
	return false
}

// Int returns the option as an int, or def when unset or malformed.
func (o Options) Int(key string, def int) int {
	if n, ok := toInt(o[key]); ok {
		return n
	}
	return def
}

// Ints returns the option as a list of ints (YAML sequence or comma list).
func (o Options) Ints(key string) []int {
	var out []int
	switch t := o[key].(type) {
	case []any:
		for _, v := range t {
			if n, ok := toInt(v); ok {
				out = append(out, n)
			}
		}
	case []int:
		out = append(out, t...)
	case string:
		for _, part := range strings.Split(t, ",") {
			if n, ok := toInt(part); ok {
				out = append(out, n)
			}
		}
	default:
		if n, ok := toInt(t); ok {
			out = append(out, n)
		}
	}
	return out
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}

// Context is the per-invocation input bundle handed to a stage. The driver
// owns it for the duration of one call.
type Context struct {
	WorkflowID string
	Issue      string
	State      StateStore
	Workdir    string
	Logger     logrus.FieldLogger
	Notifier   Notifier
	Options    Options
	// Env holds lease variables (ports, workdir) for spawned subprocesses.
	Env map[string]string
}

// Log returns the context logger scoped to the stage, never nil.
func (sc *Context) Log(stageName string) logrus.FieldLogger {
	var l logrus.FieldLogger = sc.Logger
	if l == nil {
		l = logging.Discard()
	}
	return l.WithFields(logrus.Fields{"workflow_id": sc.WorkflowID, "stage": stageName})
}

// Notify returns the context notifier, never nil.
func (sc *Context) Notify() Notifier {
	if sc.Notifier == nil {
		return NopNotifier{}
	}
	return sc.Notifier
}

// StateValue reads key from the state store, tolerating a nil store.
func (sc *Context) StateValue(key string) string {
	if sc.State == nil {
		return ""
	}
	v, _ := sc.State.Get(key)
	return v
}

// Environ returns os-style KEY=VALUE pairs for the lease environment.
func (sc *Context) Environ() []string {
	keys := make([]string, 0, len(sc.Env))
	for k := range sc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+sc.Env[k])
	}
	return env
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Progress(string, string) {}
func (NopNotifier) Error(string, error) {}
func (NopNotifier) Complete(string, string) {}

// LogNotifier forwards notifications to a logger.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (n LogNotifier) Progress(stage, message string) {
	n.Logger.WithField("stage", stage).Info(message)
}

func (n LogNotifier) Error(stage string, err error) {
	n.Logger.WithField("stage", stage).WithError(err).Error("stage error")
}

func (n LogNotifier) Complete(stage, message string) {
	n.Logger.WithField("stage", stage).Info(message)
}
