package main

import (
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

func parseVec(args []string) (r3.Vec, error) {
	var v [3]float64
	for i, arg := range args {
		f, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
		if err != nil {
			return r3.Vec{}, fmt.Errorf("coordinate %d: %w", i+1, err)
		}
		v[i] = f
	}
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
