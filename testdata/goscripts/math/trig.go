package trig

import "math"

func MySin(v float64) float64 {
	return math.Sin(v)
}

func MyCos(v float64) float64 {
	return math.Cos(v)
}
