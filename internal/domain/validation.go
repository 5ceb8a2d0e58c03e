package domain

import (
	"fmt"
	"strings"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 5000
	maxImages         = 10
)

// ValidationError names the first field of an input that was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Normalize validates in and returns the canonical form to persist. Fields are
// checked in a fixed order so the reported field is deterministic.
func (in NewIssueInput) Normalize() (NewIssueInput, error) {
	out := in
	if strings.TrimSpace(in.CustomerID) == "" {
		return out, invalid("customer_id", "required")
	}
	cat, err := ParseCategory(string(in.Category))
	if err != nil {
		return out, invalid("category", "must be one of electrical, plumbing, vehicle, furniture, appliance, hvac, general")
	}
	out.Category = cat

	out.Title = strings.TrimSpace(in.Title)
	if out.Title == "" {
		return out, invalid("title", "required")
	}
	if len(out.Title) > maxTitleLen {
		return out, invalid("title", fmt.Sprintf("must be at most %d characters", maxTitleLen))
	}
	out.Description = strings.TrimSpace(in.Description)
	if out.Description == "" {
		return out, invalid("description", "required")
	}
	if len(out.Description) > maxDescriptionLen {
		return out, invalid("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLen))
	}
	urg, err := ParseUrgency(string(in.Urgency))
	if err != nil {
		return out, invalid("urgency", "must be one of low, medium, high, emergency")
	}
	out.Urgency = urg

	loc, err := normalizeLocation(in.Location)
	if err != nil {
		return out, err
	}
	out.Location = loc

	out.ContactPhone = strings.TrimSpace(in.ContactPhone)
	if out.ContactPhone == "" {
		return out, invalid("contact_phone", "required")
	}
	if !plausiblePhone(out.ContactPhone) {
		return out, invalid("contact_phone", "must contain at least 7 digits")
	}

	if in.Budget != nil {
		b, err := NormalizeBudget(*in.Budget)
		if err != nil {
			return out, err
		}
		out.Budget = &b
	}

	out.Images = NormalizeRefs(in.Images)
	if len(out.Images) > maxImages {
		return out, invalid("images", fmt.Sprintf("at most %d images", maxImages))
	}
	return out, nil
}

func normalizeLocation(in Location) (Location, error) {
	out := Location{
		Address: strings.TrimSpace(in.Address),
		City:    strings.TrimSpace(in.City),
		State:   strings.TrimSpace(in.State),
		ZipCode: strings.TrimSpace(in.ZipCode),
	}
	if out.Address == "" {
		return out, invalid("location.address", "required")
	}
	if c := in.Coordinates; c != nil {
		if c.Lat < -90 || c.Lat > 90 {
			return out, invalid("location.coordinates.lat", "out of range")
		}
		if c.Lng < -180 || c.Lng > 180 {
			return out, invalid("location.coordinates.lng", "out of range")
		}
		coords := *c
		out.Coordinates = &coords
	}
	return out, nil
}

// NormalizeBudget defaults the currency to USD.
func NormalizeBudget(b Budget) (Budget, error) {
	if b.Min < 0 || b.Max < 0 {
		return b, invalid("budget", "must not be negative")
	}
	if b.Max > 0 && b.Min > b.Max {
		return b, invalid("budget", "min must not exceed max")
	}
	b.Currency = strings.ToUpper(strings.TrimSpace(b.Currency))
	if b.Currency == "" {
		b.Currency = "USD"
	}
	if len(b.Currency) != 3 {
		return b, invalid("budget.currency", "must be a 3-letter code")
	}
	return b, nil
}

func plausiblePhone(p string) bool {
	digits := 0
	for _, r := range p {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune(" +-().", r):
		default:
			return false
		}
	}
	return digits >= 7
}

// IssueEdit holds the descriptive fields a customer may change before the
// issue is matched. Nil fields are left untouched.
type IssueEdit struct {
	Title        *string
	Description  *string
	Urgency      *Urgency
	Budget       *Budget
	Location     *Location
	ContactPhone *string
}

// Apply validates the edit against cur and returns the edited copy.
func (e IssueEdit) Apply(cur Issue) (Issue, error) {
	in := NewIssueInput{
		CustomerID:   cur.CustomerID,
		Category:     cur.Category,
		Title:        cur.Title,
		Description:  cur.Description,
		Urgency:      cur.Urgency,
		Budget:       cur.Budget,
		Location:     cur.Location,
		ContactPhone: cur.ContactPhone,
		Images:       cur.Images,
	}
	if e.Title != nil {
		in.Title = *e.Title
	}
	if e.Description != nil {
		in.Description = *e.Description
	}
	if e.Urgency != nil {
		in.Urgency = *e.Urgency
	}
	if e.Budget != nil {
		in.Budget = e.Budget
	}
	if e.Location != nil {
		in.Location = *e.Location
	}
	if e.ContactPhone != nil {
		in.ContactPhone = *e.ContactPhone
	}
	norm, err := in.Normalize()
	if err != nil {
		return cur, err
	}
	out := cur
	out.Title = norm.Title
	out.Description = norm.Description
	out.Urgency = norm.Urgency
	out.Budget = norm.Budget
	out.Location = norm.Location
	out.ContactPhone = norm.ContactPhone
	return out, nil
}

// Empty reports whether the edit changes nothing.
func (e IssueEdit) Empty() bool {
	return e.Title == nil && e.Description == nil && e.Urgency == nil && e.Budget == nil &&
		e.Location == nil && e.ContactPhone == nil
}
