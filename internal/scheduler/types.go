package scheduler

import (
	"encoding/json"
	"errors"

	"github.com/scriptforge/scriptforge/internal/guild"
	"github.com/scriptforge/scriptforge/internal/pool"
)

// ErrSchedulerStopped is returned by request/reply calls made after Run exits.
var ErrSchedulerStopped = errors.New("scheduler: stopped")

// command is the mailbox message union (spec.md §4.8 "Commands").
type command interface{ isSchedulerCommand() }

type cmdBrokerConnected struct{}

func (cmdBrokerConnected) isSchedulerCommand() {}

type cmdBrokerDisconnected struct{}

func (cmdBrokerDisconnected) isSchedulerCommand() {}

type cmdBrokerHello struct{ tenants []uint64 }

func (cmdBrokerHello) isSchedulerCommand() {}

type cmdDiscordEvent struct {
	tenantID uint64
	name     string
	payload  json.RawMessage
}

func (cmdDiscordEvent) isSchedulerCommand() {}

type cmdNewTaskScheduled struct{ tenantID uint64 }

func (cmdNewTaskScheduled) isSchedulerCommand() {}

type cmdReloadGuildScripts struct{ tenantID uint64 }

func (cmdReloadGuildScripts) isSchedulerCommand() {}

type cmdPurgeGuildCache struct{ tenantID uint64 }

func (cmdPurgeGuildCache) isSchedulerCommand() {}

type cmdWorkerStatus struct{ reply chan []pool.WorkerSnapshot }

func (cmdWorkerStatus) isSchedulerCommand() {}

type cmdGuildStatus struct {
	tenantID uint64
	reply    chan *guild.Status
}

func (cmdGuildStatus) isSchedulerCommand() {}

type cmdShutdown struct{}

func (cmdShutdown) isSchedulerCommand() {}
