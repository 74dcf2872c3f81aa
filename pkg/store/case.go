package store

import (
	"strconv"
	"time"
)

const daysPerMonth = 30.4375

type CaseStatus int

const (
	StatusDead     CaseStatus = -1
	StatusInactive CaseStatus = 0
	StatusActive   CaseStatus = 1
)

func (s CaseStatus) String() string {
	switch s {
	case StatusActive:
		return "Alive"
	case StatusInactive:
		return "Relocated"
	case StatusDead:
		return "Dead"
	default:
		return strconv.Itoa(int(s))
	}
}

// Case is a patient under a reporter's care.
type Case struct {
	ID         int64
	RefID      int64
	FirstName  string
	LastName   string
	Gender     string
	DOB        time.Time
	Guardian   string
	Mobile     string
	ReporterID int64
	LocationID int64
	Status     CaseStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RefIDFor derives the public case number from a row id. Every digit is
// doubled (casting out nines) and the result is id*10 + 10 - sum%10, so a
// sum divisible by ten yields a trailing digit of 10 carried into the tens.
func RefIDFor(id int64) int64 {
	sum := int64(0)
	for _, c := range strconv.FormatInt(id, 10) {
		n := int64(c - '0')
		n *= 2
		if n > 9 {
			n -= 9
		}
		sum += n
	}
	return id*10 + 10 - sum%10
}

// AgeMonths is the whole number of 30.4375-day months since birth.
func (c *Case) AgeMonths(now time.Time) int {
	days := dateOnly(now).Sub(dateOnly(c.DOB)).Hours() / 24
	return int(days / daysPerMonth)
}

// Age renders AgeMonths the way replies show it, e.g. "14m".
func (c *Case) Age(now time.Time) string {
	return strconv.Itoa(c.AgeMonths(now)) + "m"
}

// EligibleForMeasles reports whether the child is between 9 and 60 months.
func (c *Case) EligibleForMeasles(now time.Time) bool {
	m := c.AgeMonths(now)
	return m >= 9 && m <= 60
}

func (c *Case) StatusLabel() string {
	return c.Status.String()
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
