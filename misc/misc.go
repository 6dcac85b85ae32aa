//
// Copyright 2015 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package misc is misc stuff.
package misc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	sanitizeRegexSpace       = regexp.MustCompile("\\s+")
	sanitizeRegexSlash       = regexp.MustCompile("/")
	sanitizeRegexNonAlphaNum = regexp.MustCompile("[^a-zA-Z_\\-0-9\\.]")
)

// SanitizeName makes name safe for use as a graphite path element or a
// file name.
func SanitizeName(name string) string {
	name = sanitizeRegexSpace.ReplaceAllString(name, "_")
	name = sanitizeRegexSlash.ReplaceAllString(name, "-")
	return sanitizeRegexNonAlphaNum.ReplaceAllString(name, "")
}

// BetterParseDuration is time.ParseDuration which also understands
// "min", "hour", "d" (days), "w" (weeks), "mon" (30 days) and "y"
// (365 days) suffixes on a plain number, e.g. "3d" or "1.5hour".
func BetterParseDuration(s string) (time.Duration, error) {
	for _, u := range longUnits {
		if strings.HasSuffix(s, u.suffix) {
			f, err := strconv.ParseFloat(strings.TrimSuffix(s, u.suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			return time.Duration(f * float64(u.d)), nil
		}
	}
	return time.ParseDuration(s)
}

// suffixes time.ParseDuration does not know
var longUnits = []struct {
	suffix string
	d      time.Duration
}{
	{"min", time.Minute},
	{"hour", time.Hour},
	{"mon", 30 * 24 * time.Hour},
	{"d", 24 * time.Hour},
	{"w", 7 * 24 * time.Hour},
	{"y", 365 * 24 * time.Hour},
}

// ParseInt64List parses a comma separated list of integers, e.g.
// "1,3,6". Blanks around the numbers are ignored, an empty string is
// an empty list.
func ParseInt64List(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q in list %q", p, s)
		}
		result = append(result, n)
	}
	return result, nil
}
