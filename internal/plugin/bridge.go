package plugin

import (
	"wabot/internal/config"
	"wabot/internal/runtime/lifecycle"
	"wabot/internal/runtime/supervisor"
	"wabot/internal/services/broadcast"
	"wabot/internal/transport/whatsapp/router"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

// PluginConfigRaw is the raw per-plugin config blob inside config.Config.
// It lives in the config package to keep the schema centralized.
type PluginConfigRaw = config.PluginConfigRaw

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

type SupervisorOption = supervisor.SupervisorOption

var NewSupervisor = supervisor.NewSupervisor

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

type StopReason = lifecycle.StopReason

const (
	StopUnknown       = lifecycle.StopUnknown
	StopAppStop       = lifecycle.StopAppStop
	StopPluginDisable = lifecycle.StopPluginDisable
	StopConfigReload  = lifecycle.StopConfigReload
)

// ---- Router API (commands) ----

type Access = router.Access

const (
	AccessEveryone  = router.AccessEveryone
	AccessOwnerOnly = router.AccessOwnerOnly
)

type Command = router.Command

type Request = router.Request

type HandlerFunc = router.HandlerFunc

type Services = router.Services

type CommandManager = router.CommandManager

// ---- Service ports ----

type SchedulerPort = router.SchedulerPort

type QuotaPort = router.QuotaPort

type BroadcastPort = router.BroadcastPort

type QuotaStatus = router.QuotaStatus

type BroadcastJob = router.BroadcastJob

type BroadcastSummary = router.BroadcastSummary

type BroadcastRecipient = router.BroadcastRecipient

type BroadcastStats = router.BroadcastStats

const (
	BroadcastStateCompleted = broadcast.StateCompleted
	BroadcastStateAborted   = broadcast.StateAborted
)

var (
	ErrBroadcastBusy         = broadcast.ErrBusy
	ErrBroadcastBackoff      = broadcast.ErrInBackoff
	ErrBroadcastSpam         = broadcast.ErrSpamContent
	ErrBroadcastNoRecipients = broadcast.ErrNoRecipients
)
