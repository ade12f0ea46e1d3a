// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is a string-backed enum.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusClosed  Status = "CLOSED"
)

// ParseStatus accepts the enum names case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusActive, StatusClosed:
		return st, nil
	}
	return "", fmt.Errorf("%q is not a valid Status", s)
}

// Point is a simple 2D point carried as "x,y".
type Point struct {
	X float64
	Y float64
}

// ParsePoint parses the "x,y" form produced by [Point.String].
func ParsePoint(s string) (Point, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return Point{}, fmt.Errorf("point %q: want x,y", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	if err != nil {
		return Point{}, fmt.Errorf("point %q: x: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err != nil {
		return Point{}, fmt.Errorf("point %q: y: %w", s, err)
	}
	return Point{X: x, Y: y}, nil
}

func (p Point) String() string {
	return formatFloat(p.X) + "," + formatFloat(p.Y)
}

// formatFloat formats a float64 matching Python's default str(float) behavior.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	// Ensure at least one decimal place (Python always shows .0 for whole floats)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
