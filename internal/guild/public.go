package guild

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrHandlerStopped is returned by Status when the handler has already
// exited its Run loop.
var ErrHandlerStopped = errors.New("guild: handler stopped")

// PostDiscordEvent enqueues an external event (spec.md §4.8 DiscordEvent,
// §4.6 step 1 "ingress"). Blocks only while the handler's command mailbox
// is full; once the handler has stopped, the event is discarded.
func (h *Handler) PostDiscordEvent(name string, payload json.RawMessage) {
	h.postCmd(cmdDiscordEvent{name: name, payload: payload})
}

// NewTaskScheduled nudges the task manager to refetch its next deadline
// (spec.md §4.8 NewTaskScheduled).
func (h *Handler) NewTaskScheduled() {
	h.postCmd(cmdNewTaskScheduled{})
}

// ReloadScripts implements spec.md §4.6 "Control operations: ReloadScripts".
func (h *Handler) ReloadScripts() {
	h.postCmd(cmdReloadScripts{})
}

// PurgeCache implements spec.md §4.6 "Control operations: PurgeCache":
// drains outstanding work then exits, letting the owning registry evict it.
func (h *Handler) PurgeCache() {
	h.postCmd(cmdPurgeCache{})
}

// Shutdown implements spec.md §4.8 Shutdown: drains this handler immediately.
func (h *Handler) Shutdown() {
	h.postCmd(cmdShutdown{})
}

// Status implements the guild_status() RPC (spec.md §4.9), bounded by ctx.
func (h *Handler) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case h.cmds <- cmdStatus{reply: reply}:
	case <-h.stopped:
		return Status{}, ErrHandlerStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}

	select {
	case s := <-reply:
		return s, nil
	case <-h.stopped:
		return Status{}, ErrHandlerStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}
