package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidCategory = errors.New("invalid category")
	ErrInvalidUrgency  = errors.New("invalid urgency")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrInvalidRole     = errors.New("invalid role")
)

func fold(in string) string {
	return strings.ToLower(strings.TrimSpace(in))
}

func ParseCategory(in string) (Category, error) {
	c := Category(fold(in))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, in)
}

// ParseUrgency returns medium for an empty value.
func ParseUrgency(in string) (Urgency, error) {
	switch u := Urgency(fold(in)); u {
	case "":
		return UrgencyMedium, nil
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyEmergency:
		return u, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidUrgency, in)
}

// ParseStatus accepts the hyphenated spellings older clients wrote.
func ParseStatus(in string) (Status, error) {
	s := Status(strings.ReplaceAll(fold(in), "-", "_"))
	switch s {
	case StatusPending, StatusAccepted, StatusInProgress, StatusSubmitted,
		StatusCompleted, StatusRejected, StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, in)
}

// ParseStatuses parses a comma separated list, skipping blanks.
func ParseStatuses(in string) ([]Status, error) {
	var out []Status
	for _, part := range strings.Split(in, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		s, err := ParseStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// NormalizeRefs trims attachment references and drops blanks, keeping order.
func NormalizeRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
