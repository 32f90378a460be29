package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind selects how two values of a channel are compared.
type Kind string

const (
	KindLin Kind = "lin"
	KindLog Kind = "log"
)

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lin", "linear":
		return KindLin, nil
	case "log", "logarithmic":
		return KindLog, nil
	}
	return "", fmt.Errorf("unknown kind %q", s)
}

func (k Kind) Valid() bool {
	return k == KindLin || k == KindLog
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Verdict is the result of offering one sample to the checker.
type Verdict int

const (
	Rejected Verdict = iota
	Accepted
	AcceptedWithPretrigger
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case AcceptedWithPretrigger:
		return "accepted_with_pretrigger"
	default:
		return "rejected"
	}
}

func (v Verdict) Kept() bool {
	return v != Rejected
}

type Sample struct {
	Codename string    `json:"codename"`
	Time     time.Time `json:"time"`
	Value    float64   `json:"value"`
}

// Outcome carries the points a check emits, oldest first. Points is empty
// for a rejected sample.
type Outcome struct {
	Verdict Verdict
	Points  []Sample
}

// UnixSeconds returns t as floating point seconds since the epoch.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromUnixSeconds is the inverse of UnixSeconds.
func FromUnixSeconds(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9)))
}
