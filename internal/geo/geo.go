// Package geo verifies claimed GPS positions against a student's workplace.
package geo

import (
	"context"
	"fmt"
	"math"

	"ojtrack/internal/apperr"
)

const (
	// EarthRadiusM is the mean Earth radius used by the haversine formula.
	EarthRadiusM = 6371000.0
	// GPSToleranceM absorbs consumer-grade GPS error on top of the radius.
	GPSToleranceM = 5.0
	// DefaultRadiusM is the geofence radius around a workplace.
	DefaultRadiusM = 40.0
)

// Point is a WGS84 coordinate pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate rejects out-of-range coordinates instead of clamping them.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return apperr.New(apperr.InvalidCoordinate, fmt.Sprintf("latitude %v out of range [-90, 90]", p.Lat))
	}
	if math.IsNaN(p.Lon) || p.Lon < -180 || p.Lon > 180 {
		return apperr.New(apperr.InvalidCoordinate, fmt.Sprintf("longitude %v out of range [-180, 180]", p.Lon))
	}
	return nil
}

// Unavailable reports the (0,0) sentinel devices send when a GPS read fails.
func (p Point) Unavailable() bool {
	return p.Lat == 0 && p.Lon == 0
}

// Workplace is the verification anchor configured on a student's profile.
type Workplace struct {
	Point
	Name string `json:"name"`
}

// Distance returns the great-circle distance between a and b in meters,
// rounded to two decimals.
func Distance(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	if a == b {
		return 0, nil
	}

	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return round2(EarthRadiusM * c), nil
}

// WithinRadius reports whether current lies within radiusM (plus tolerance) of anchor.
func WithinRadius(current, anchor Point, radiusM float64) (bool, error) {
	d, err := Distance(current, anchor)
	if err != nil {
		return false, err
	}
	return d <= radiusM+GPSToleranceM, nil
}

// Locator resolves a student's workplace. A nil workplace means none is configured.
type Locator interface {
	WorkplaceLocation(ctx context.Context, studentID string) (*Workplace, error)
}

// Verification is the outcome of checking a position against the workplace.
type Verification struct {
	Valid     bool    `json:"valid"`
	DistanceM float64 `json:"distance_m"`
	RadiusM   float64 `json:"radius_m"`
	Workplace string  `json:"workplace"`
	Message   string  `json:"message"`
}

// Verifier checks student positions against their configured workplace.
type Verifier struct {
	locator Locator
	radiusM float64
}

// NewVerifier creates a verifier; a non-positive radius falls back to DefaultRadiusM.
func NewVerifier(locator Locator, radiusM float64) *Verifier {
	if radiusM <= 0 {
		radiusM = DefaultRadiusM
	}
	return &Verifier{locator: locator, radiusM: radiusM}
}

// Radius returns the configured geofence radius in meters.
func (v *Verifier) Radius() float64 {
	return v.radiusM
}

// Verify checks pos against the student's workplace.
func (v *Verifier) Verify(ctx context.Context, studentID string, pos Point) (Verification, error) {
	wp, err := v.locator.WorkplaceLocation(ctx, studentID)
	if err != nil {
		return Verification{}, err
	}
	if wp == nil {
		return Verification{}, apperr.New(apperr.LocationNotConfigured, "")
	}
	if pos.Unavailable() {
		return Verification{}, apperr.New(apperr.GPSUnavailable, "")
	}

	d, err := Distance(pos, wp.Point)
	if err != nil {
		return Verification{}, err
	}
	res := Verification{
		Valid:     d <= v.radiusM+GPSToleranceM,
		DistanceM: d,
		RadiusM:   v.radiusM,
		Workplace: wp.Name,
	}
	if res.Valid {
		res.Message = fmt.Sprintf("You are %s from %s", FormatDistance(d), wp.Name)
	} else {
		res.Message = fmt.Sprintf("You are %s from %s, outside the allowed %s radius", FormatDistance(d), wp.Name, FormatDistance(v.radiusM))
	}
	return res, nil
}

// FormatDistance renders meters for humans, switching to km past 1000 m.
func FormatDistance(m float64) string {
	if m >= 1000 {
		return fmt.Sprintf("%.2f km", m/1000)
	}
	return fmt.Sprintf("%.0f m", m)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
