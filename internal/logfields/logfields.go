package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyJob         = "job"
	KeyBuildID     = "build_id"
	KeyBuildNumber = "build_number"
	KeyResult      = "result"
	KeyQueueItem   = "queue_item"
	KeyTrigger     = "trigger"
	KeyPath        = "path"
	KeyWorker      = "worker"
	KeySubject     = "subject"
	KeyAction      = "action"
	KeyPermalink   = "permalink"
	KeyCause       = "cause"
	KeyError       = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Job(name string) slog.Attr       { return slog.String(KeyJob, name) }
func BuildID(id string) slog.Attr     { return slog.String(KeyBuildID, id) }
func BuildNumber(n int) slog.Attr     { return slog.Int(KeyBuildNumber, n) }
func Result(r string) slog.Attr       { return slog.String(KeyResult, r) }
func QueueItem(id string) slog.Attr   { return slog.String(KeyQueueItem, id) }
func Trigger(kind string) slog.Attr   { return slog.String(KeyTrigger, kind) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Worker(id int) slog.Attr         { return slog.Int(KeyWorker, id) }
func Subject(s string) slog.Attr      { return slog.String(KeySubject, s) }
func Action(a string) slog.Attr       { return slog.String(KeyAction, a) }
func Permalink(name string) slog.Attr { return slog.String(KeyPermalink, name) }
func Cause(c string) slog.Attr        { return slog.String(KeyCause, c) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
