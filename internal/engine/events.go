package engine

// Events are the callbacks through which the accessory layer observes
// the engine. Any of them may be nil.
type Events struct {
	// OnDeviceStateChanged fires after a poll whose snapshot differs
	// from the previous one, carrying the new complete snapshot.
	OnDeviceStateChanged func(deviceID string, snapshot VacuumSnapshot)
	// OnDeviceRegistered fires once per device when discovery builds its
	// client/synchronizer pair.
	OnDeviceRegistered func(deviceID string, device *DeviceHandle)
	// OnDiscoveryFailed fires when a discovery pass ends with zero
	// registered devices; the pass will be retried.
	OnDiscoveryFailed func(reason error)
}

func (e Events) stateChanged(deviceID string, snapshot VacuumSnapshot) {
	if e.OnDeviceStateChanged != nil {
		e.OnDeviceStateChanged(deviceID, snapshot)
	}
}

func (e Events) registered(deviceID string, device *DeviceHandle) {
	if e.OnDeviceRegistered != nil {
		e.OnDeviceRegistered(deviceID, device)
	}
}

func (e Events) discoveryFailed(reason error) {
	if e.OnDiscoveryFailed != nil {
		e.OnDiscoveryFailed(reason)
	}
}
