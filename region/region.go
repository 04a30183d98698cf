// Package region holds the closed set of seven UAE service regions: their
// codes, center coordinates, adjacency, and the city-name mapping used to
// resolve a booking address to a region.
package region

import (
	"math"
	"strings"
)

// Code identifies one of the seven service regions.
type Code string

const (
	DXB Code = "DXB" // Dubai
	AUH Code = "AUH" // Abu Dhabi
	SHJ Code = "SHJ" // Sharjah
	AJM Code = "AJM" // Ajman
	RAK Code = "RAK" // Ras Al Khaimah
	FUJ Code = "FUJ" // Fujairah
	UAQ Code = "UAQ" // Umm Al Quwain
)

// All lists every region code in a stable order.
var All = []Code{DXB, AUH, SHJ, AJM, RAK, FUJ, UAQ}

// Coordinates is a region center as (lat, lng).
type Coordinates struct {
	Lat float64
	Lng float64
}

// Centers maps each region to its center coordinates.
var Centers = map[Code]Coordinates{
	DXB: {25.2048, 55.2708},
	AUH: {24.4539, 54.3773},
	SHJ: {25.3462, 55.4211},
	AJM: {25.4052, 55.5136},
	RAK: {25.7895, 55.9432},
	FUJ: {25.1288, 56.3264},
	UAQ: {25.5647, 55.5552},
}

// Adjacent maps each region to the regions the allocation engine may
// expand into when the primary pool is empty. AUH intentionally has no
// neighbours; it is geographically isolated from the northern emirates.
var Adjacent = map[Code][]Code{
	DXB: {SHJ, AJM},
	SHJ: {DXB, AJM, UAQ},
	AJM: {DXB, SHJ, UAQ},
	UAQ: {SHJ, AJM, RAK},
	RAK: {UAQ, FUJ},
	FUJ: {RAK},
	AUH: {},
}

// cityRegions maps normalised city names to region codes.
// Keys are lowercase with spaces stripped so common variants match.
var cityRegions = map[string]Code{
	"dubai":        DXB,
	"dxb":          DXB,
	"abudhabi":     AUH,
	"auh":          AUH,
	"sharjah":      SHJ,
	"shj":          SHJ,
	"ajman":        AJM,
	"ajm":          AJM,
	"rasalkhaimah": RAK,
	"rak":          RAK,
	"fujairah":     FUJ,
	"fuj":          FUJ,
	"ummalquwain":  UAQ,
	"uaq":          UAQ,
}

// FromCity resolves a city name to its region code.
// Matching is case-insensitive and ignores spaces.
func FromCity(city string) (Code, bool) {
	normalised := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(city)), " ", "")
	code, ok := cityRegions[normalised]
	return code, ok
}

// Valid reports whether code is one of the seven region codes.
func Valid(code Code) bool {
	_, ok := Centers[code]
	return ok
}

const earthRadiusKm = 6371.0

// DistanceKm returns the Haversine distance between two coordinates.
func DistanceKm(a, b Coordinates) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// DistanceBetween returns the Haversine distance between two region
// centers. The second return is false when either code is unknown.
func DistanceBetween(a, b Code) (float64, bool) {
	ca, okA := Centers[a]
	cb, okB := Centers[b]
	if !okA || !okB {
		return 0, false
	}
	return DistanceKm(ca, cb), true
}
