package sensor

// clampRaw keeps a raw ADC code inside [0, max]. Single-ended conversions can
// report small negative codes near ground.
func clampRaw(raw, max int) int {
	if raw < 0 {
		return 0
	}
	if raw > max {
		return max
	}
	return raw
}
