package roborock

// Product categories this bridge knows how to drive. Only robot vacuums
// for now; other Roborock categories (washers, purifiers) are skipped at
// discovery time.
var vacuumCategories = map[string]struct{}{
	"robot.vacuum.cleaner": {},
}

// ProductFor looks up the catalog product entry for a device. Absence is
// reported through the bool, never an error: shared homes can contain
// devices whose product metadata the account cannot see.
func ProductFor(device HomeDataDevice, home *HomeData) (HomeDataProduct, bool) {
	if home == nil {
		return HomeDataProduct{}, false
	}
	for _, product := range home.Products {
		if product.ID == device.ProductID {
			return product, true
		}
	}
	return HomeDataProduct{}, false
}

// IsVacuum reports whether the product belongs to a supported category.
func IsVacuum(product HomeDataProduct) bool {
	_, ok := vacuumCategories[product.Category]
	return ok
}

// ProtocolFor maps a device's pv tag to a protocol implementation. The
// bool is false for tags with no client; callers skip the device and log
// at info level.
func ProtocolFor(device HomeDataDevice) (ProtocolKind, bool) {
	switch ProtocolKind(device.ProtocolVersion) {
	case ProtocolV1:
		return ProtocolV1, true
	case ProtocolA01:
		// Recognized but not yet implemented.
		return ProtocolA01, false
	default:
		return "", false
	}
}
