package verification

import (
	"fmt"
	"math"
	"time"

	"presence/internal/apperr"
)

const earthRadiusMeters = 6371000.0

// LocationReason names the anti-spoofing rule a fix failed.
type LocationReason string

const (
	ReasonOutOfRange   LocationReason = "coordinates_out_of_range"
	ReasonLowAccuracy  LocationReason = "accuracy_too_low"
	ReasonStaleFix     LocationReason = "stale_fix"
	ReasonClockSkew    LocationReason = "clock_skew"
	ReasonMissingTime  LocationReason = "missing_timestamp"
	ReasonMissingCoord LocationReason = "missing_fix"
)

// LocationError is a GPS validation failure. It matches
// apperr.ErrInvalidLocation.
type LocationError struct {
	Reason         LocationReason
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	FixAge         time.Duration
	ClockSkew      time.Duration
}

func (e *LocationError) Error() string {
	switch e.Reason {
	case ReasonOutOfRange:
		return fmt.Sprintf("invalid location: coordinates (%.6f, %.6f) out of range", e.Latitude, e.Longitude)
	case ReasonLowAccuracy:
		return fmt.Sprintf("invalid location: accuracy %.0fm too low", e.AccuracyMeters)
	case ReasonStaleFix:
		return fmt.Sprintf("invalid location: fix is %s old", e.FixAge.Round(time.Second))
	case ReasonClockSkew:
		return fmt.Sprintf("invalid location: device clock differs by %s", e.ClockSkew.Round(time.Second))
	}
	return "invalid location: " + string(e.Reason)
}

func (e *LocationError) Unwrap() error { return apperr.ErrInvalidLocation }

// GPSPolicy holds the anti-spoofing limits.
type GPSPolicy struct {
	MaxAccuracyMeters float64
	FixFreshness      time.Duration
	ReplayWindow      time.Duration
	RadiusMeters      float64
}

// CheckFix validates fix against server time now. It does no I/O.
func CheckFix(fix *GPSFix, now time.Time, p GPSPolicy) error {
	if fix == nil {
		return &LocationError{Reason: ReasonMissingCoord}
	}
	if fix.Latitude < -90 || fix.Latitude > 90 || fix.Longitude < -180 || fix.Longitude > 180 ||
		math.IsNaN(fix.Latitude) || math.IsNaN(fix.Longitude) {
		return &LocationError{Reason: ReasonOutOfRange, Latitude: finite(fix.Latitude), Longitude: finite(fix.Longitude)}
	}
	if fix.AccuracyMeters < 0 || fix.AccuracyMeters > p.MaxAccuracyMeters || math.IsNaN(fix.AccuracyMeters) {
		return &LocationError{Reason: ReasonLowAccuracy, AccuracyMeters: finite(fix.AccuracyMeters)}
	}
	if fix.FixTime.IsZero() || fix.ClientTime.IsZero() {
		return &LocationError{Reason: ReasonMissingTime}
	}

	age := now.Sub(fix.FixTime)
	if age > p.FixFreshness {
		return &LocationError{Reason: ReasonStaleFix, FixAge: age}
	}
	// A fix from the future is a device clock problem, not freshness.
	if -age > p.ReplayWindow {
		return &LocationError{Reason: ReasonClockSkew, ClockSkew: -age}
	}

	skew := now.Sub(fix.ClientTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > p.ReplayWindow {
		return &LocationError{Reason: ReasonClockSkew, ClockSkew: skew}
	}
	return nil
}

// finite zeroes NaN and infinities so rejection details stay encodable.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Haversine returns the great-circle distance in meters between two points
// given in degrees.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
