package camera

// RotationDegrees returns the clockwise rotation, in {0, 90, 180, 270},
// that turns a sensor image upright for the current device rotation.
// Front cameras are mirrored, so device rotation adds instead of
// subtracting.
func RotationDegrees(sensorOrientation, deviceRotation int, facing LensFacing) int {
	sensor := normalizeRightAngle(sensorOrientation)
	device := normalizeRightAngle(deviceRotation)
	if facing == FacingFront {
		return (sensor + device) % 360
	}
	return (sensor - device + 360) % 360
}

// normalizeRightAngle folds any angle into [0, 360) and snaps it to the
// nearest multiple of 90.
func normalizeRightAngle(deg int) int {
	deg = ((deg % 360) + 360) % 360
	return ((deg + 45) / 90 * 90) % 360
}
