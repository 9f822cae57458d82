package router

import (
	"wabot/internal/config"
	"wabot/internal/runtime/supervisor"
	"wabot/internal/services/broadcast"
	"wabot/internal/services/quota"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var NewSupervisor = supervisor.NewSupervisor

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

// ---- Restart helpers (for resilient worker loops) ----

type RestartOption = supervisor.RestartOption

var WithRestartBackoff = supervisor.WithRestartBackoff

var WithMaxRestarts = supervisor.WithMaxRestarts

var WithStopOnCleanExit = supervisor.WithStopOnCleanExit

// ---- Service port types (no import cycle for plugins) ----

type QuotaStatus = quota.Status

type BroadcastJob = broadcast.Job

type BroadcastSummary = broadcast.Summary

type BroadcastStats = broadcast.TrackerStats

type BroadcastRecipient = broadcast.Recipient
