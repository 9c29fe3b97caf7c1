/*
Copyright 2024 The CdsCTF Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package calculator

import "math"

// curve is the solve-count decay of dynamic challenge points:
//
//	base(n) = min + (max-min) * exp(-(n-1)/(difficulty*scale))
//
// It yields max for n in {0,1}, is monotonically non-increasing in n
// and approaches min as n grows. Deterministic for a given input.
func curve(maxPts, minPts, difficulty int64, scale float64, n int) int64 {
	if n <= 1 || maxPts <= minPts {
		return maxPts
	}
	d := float64(difficulty) * scale
	if d <= 0 {
		d = 1
	}
	decay := math.Exp(-float64(n-1) / d)
	base := float64(minPts) + float64(maxPts-minPts)*decay
	return int64(math.Round(base))
}

// applyBonus awards base*(100+ratio)/100 where ratio is
// bonus_ratios[k], treating a missing ratio as 0.
func applyBonus(base int64, ratios []int64, k int) int64 {
	var ratio int64
	if k >= 0 && k < len(ratios) {
		ratio = ratios[k]
	}
	return base * (100 + ratio) / 100
}
