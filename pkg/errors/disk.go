// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"maps"
	"net/http"
)

// Disk Arbitration Error Codes (2300-2399)
const (
	// Registry Errors (2300-2309)
	DiskNotFound = 2300 + iota
	DiskAlreadyExists
	DiskClaimed
	DiskZombie
	UnitNotFound
	UnitAlreadyExists
)

const (
	// Session Errors (2310-2319)
	SessionNotFound = 2310 + iota
	SessionAlreadyExists
	SessionNotAuthorized
	SessionCallbackAlreadyRegistered
	SessionCallbackNotFound
)

const (
	// Stage Engine Errors (2320-2339)
	StageNotReady = 2320 + iota
	StageBusy
	StageProbeFailed
	StageRepairFailed
	StageMountFailed
	StageUnmountFailed
	StageEjectFailed
	StageDirtyVolume
	StageUnsupportedFileSystem
	StageNoResources
	StageExclusiveAccess
	StageDeferred
	StageCanceled
)

const (
	// Ingest Errors (2340-2349)
	IngestMonitorFailed = 2340 + iota
	IngestEventFailed
	IngestReconciliationFailed
)

const (
	// Helper/Tool Errors (2350-2359)
	HelperNotFound = 2350 + iota
	HelperExecutionFailed
	HelperOutputParseFailed
	HelperTimeout
)

const (
	// Mount-map / persistence Errors (2360-2369)
	MountMapLoadFailed = 2360 + iota
	MountMapSaveFailed
	MountMapCorrupted
)

const (
	// RPC Surface Errors (2370-2379)
	RPCBadArgument = 2370 + iota
	RPCNotPermitted
	RPCNotPrivileged
)

func init() {
	diskErrorDefinitions := map[ErrorCode]struct {
		message     string
		domain      Domain
		httpStatus  int
		arbiterCode ArbiterCode
	}{
		DiskNotFound:      {"Disk not found in registry", DomainArbiter, http.StatusNotFound, NotFound},
		DiskAlreadyExists: {"Disk already present in registry", DomainArbiter, http.StatusConflict, BadArgument},
		DiskClaimed:       {"Disk is exclusively claimed", DomainArbiter, http.StatusConflict, ExclusiveAccess},
		DiskZombie:        {"Disk is a zombie awaiting last reference release", DomainArbiter, http.StatusConflict, Busy},
		UnitNotFound:      {"Unit not found in registry", DomainArbiter, http.StatusNotFound, NotFound},
		UnitAlreadyExists: {"Unit already present in registry", DomainArbiter, http.StatusConflict, BadArgument},

		SessionNotFound:                   {"Session not found", DomainArbiter, http.StatusNotFound, NotFound},
		SessionAlreadyExists:              {"Session already exists", DomainArbiter, http.StatusConflict, BadArgument},
		SessionNotAuthorized:              {"Session not authorized for operation", DomainArbiter, http.StatusForbidden, NotPermitted},
		SessionCallbackAlreadyRegistered:  {"Callback already registered for this target", DomainArbiter, http.StatusConflict, BadArgument},
		SessionCallbackNotFound:           {"Callback not registered", DomainArbiter, http.StatusNotFound, NotFound},

		StageNotReady:              {"Stage engine not ready for disk", DomainArbiter, http.StatusServiceUnavailable, NotReady},
		StageBusy:                  {"Disk has an active command", DomainArbiter, http.StatusConflict, Busy},
		StageProbeFailed:           {"Probe stage failed", DomainArbiter, http.StatusInternalServerError, NotReady},
		StageRepairFailed:          {"Repair stage failed", DomainArbiter, http.StatusInternalServerError, NotReady},
		StageMountFailed:           {"Mount stage failed", DomainArbiter, http.StatusInternalServerError, NotReady},
		StageUnmountFailed:         {"Unmount stage failed", DomainArbiter, http.StatusInternalServerError, NotReady},
		StageEjectFailed:           {"Eject stage failed", DomainArbiter, http.StatusInternalServerError, NotReady},
		StageDirtyVolume:           {"Volume is dirty and requires repair", DomainArbiter, http.StatusConflict, DirtyVolume},
		StageUnsupportedFileSystem: {"Filesystem not recognized by any probe helper", DomainArbiter, http.StatusBadRequest, UnsupportedFileSystem},
		StageNoResources:           {"Insufficient resources to complete the stage", DomainArbiter, http.StatusInsufficientStorage, NoResources},
		StageExclusiveAccess:       {"Disk is exclusively held by another claim", DomainArbiter, http.StatusConflict, ExclusiveAccess},
		StageDeferred:              {"Mount deferred pending console-user policy", DomainArbiter, http.StatusAccepted, NotReady},
		StageCanceled:              {"Stage operation canceled", DomainArbiter, http.StatusOK, Canceled},

		IngestMonitorFailed:        {"Hotplug monitor failed", DomainArbiter, http.StatusInternalServerError, NotReady},
		IngestEventFailed:          {"Failed to process hotplug event", DomainArbiter, http.StatusInternalServerError, NotReady},
		IngestReconciliationFailed: {"Periodic reconciliation failed", DomainArbiter, http.StatusInternalServerError, NotReady},

		HelperNotFound:          {"Required external helper not found", DomainArbiter, http.StatusServiceUnavailable, NotReady},
		HelperExecutionFailed:   {"External helper execution failed", DomainArbiter, http.StatusInternalServerError, NotReady},
		HelperOutputParseFailed: {"Failed to parse external helper output", DomainArbiter, http.StatusInternalServerError, NotReady},
		HelperTimeout:           {"External helper timed out", DomainArbiter, http.StatusGatewayTimeout, Canceled},

		MountMapLoadFailed: {"Failed to load mount-map overrides", DomainArbiter, http.StatusInternalServerError, NotReady},
		MountMapSaveFailed: {"Failed to save mount-map overrides", DomainArbiter, http.StatusInternalServerError, NotReady},
		MountMapCorrupted:  {"Mount-map file corrupted", DomainArbiter, http.StatusInternalServerError, NotReady},

		RPCBadArgument:   {"Bad RPC argument", DomainArbiter, http.StatusBadRequest, BadArgument},
		RPCNotPermitted:  {"Operation not permitted over this session", DomainArbiter, http.StatusForbidden, NotPermitted},
		RPCNotPrivileged: {"Caller is not privileged for this operation", DomainArbiter, http.StatusForbidden, NotPrivileged},
	}

	maps.Copy(errorDefinitions, diskErrorDefinitions)
}
