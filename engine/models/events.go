package models

// EventType names a domain event published to the bridge and to facade
// observers. Values are part of the external contract.
type EventType string

const (
	EventPhaseTransition     EventType = "phase_transition"
	EventIrrigationScheduled EventType = "irrigation_scheduled"
	EventIrrigationStarted   EventType = "irrigation_started"
	EventIrrigationCompleted EventType = "irrigation_completed"
	EventIrrigationSkipped   EventType = "irrigation_skipped"
	EventSensorDegraded      EventType = "sensor_degraded"
	EventUnsafeZone          EventType = "unsafe_zone"
	EventPersistenceDegraded EventType = "persistence_degraded"
	EventDrybackCompleted    EventType = "dryback_completed"
	EventCrashRecovery       EventType = "crash_recovery"
	EventConfigReloaded      EventType = "config_reloaded"
	EventBridgeWriteDropped  EventType = "bridge_write_dropped"
	EventManualOverride      EventType = "manual_override"
)
