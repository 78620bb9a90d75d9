package model

// Status is one of the fixed set of agent states.
type Status string

const (
	StatusStandby     Status = "Standby"
	StatusPreFlight   Status = "Pre-Flight"
	StatusActive      Status = "Active"
	StatusInFlight    Status = "In Flight"
	StatusLanding     Status = "Landing"
	StatusDelivered   Status = "Delivered"
	StatusReturning   Status = "Returning"
	StatusPoweredOff  Status = "Powered Off"
	StatusMaintenance Status = "Maintenance"
	StatusEmergency   Status = "Emergency"
)

// Statuses lists every canonical status.
var Statuses = []Status{
	StatusStandby,
	StatusPreFlight,
	StatusActive,
	StatusInFlight,
	StatusLanding,
	StatusDelivered,
	StatusReturning,
	StatusPoweredOff,
	StatusMaintenance,
	StatusEmergency,
}

// Valid reports whether s is a member of the canonical set.
func (s Status) Valid() bool {
	for _, candidate := range Statuses {
		if s == candidate {
			return true
		}
	}
	return false
}
