package models

import "strings"

// ParseStudyDateRange splits a DICOM date query ("20240115",
// "20240101-20240131", "20240101-", "-20240131") into FHIR-formatted
// boundary dates. ok is false when the value is empty or not a date query.
func ParseStudyDateRange(value string) (from, to string, ok bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", "", false
	}

	if idx := strings.IndexByte(value, '-'); idx != -1 {
		from = fhirDate(value[:idx])
		to = fhirDate(value[idx+1:])
		if from == "" && to == "" {
			return "", "", false
		}
		return from, to, true
	}

	if d := fhirDate(value); d != "" {
		return d, d, true
	}
	return "", "", false
}

// fhirDate converts a DICOM DA value (YYYYMMDD) into YYYY-MM-DD.
func fhirDate(da string) string {
	da = strings.TrimSpace(da)
	if len(da) != 8 {
		return ""
	}
	for _, r := range da {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return da[:4] + "-" + da[4:6] + "-" + da[6:8]
}

// MatchStudyDate reports whether a study date (YYYYMMDD) satisfies a DICOM
// date query. Empty queries match everything; studies without a date only
// match empty queries.
func MatchStudyDate(studyDate, query string) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return true
	}
	if studyDate == "" {
		return false
	}

	if idx := strings.IndexByte(query, '-'); idx != -1 {
		from, to := query[:idx], query[idx+1:]
		if from != "" && studyDate < from {
			return false
		}
		if to != "" && studyDate > to {
			return false
		}
		return true
	}
	return studyDate == query
}

// MatchWildcard performs DICOM attribute matching with the * and ? wildcards,
// case-insensitively. An empty pattern is a universal match.
func MatchWildcard(value, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return true
	}
	return matchWildcard(strings.ToUpper(value), strings.ToUpper(pattern))
}

func matchWildcard(value, pattern string) bool {
	// Iterative glob match with single-star backtracking.
	var starPattern, starValue = -1, 0
	v, p := 0, 0
	for v < len(value) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == value[v]):
			v++
			p++
		case p < len(pattern) && pattern[p] == '*':
			starPattern = p
			starValue = v
			p++
		case starPattern != -1:
			starValue++
			v = starValue
			p = starPattern + 1
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
