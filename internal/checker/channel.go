package checker

import (
	"fmt"
	"math"
	"sync"

	"valuelog/internal/model"
)

type channelState struct {
	Channel

	mu      sync.Mutex
	last    model.Sample
	hasLast bool
	// rejected holds the samples rejected since the last acceptance,
	// rejected[ringLen-1] being the newest.
	rejected [2]model.Sample
	ringLen  int
}

func (s *channelState) check(cand model.Sample) (model.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasLast {
		s.keep(cand)
		return model.Outcome{Verdict: model.Accepted, Points: []model.Sample{cand}}, nil
	}
	if cand.Time.Before(s.last.Time) {
		return model.Outcome{}, fmt.Errorf("%w: %s at %s, last kept at %s",
			ErrOrder, cand.Codename, cand.Time.Format("15:04:05.000"), s.last.Time.Format("15:04:05.000"))
	}
	if !cand.Time.After(s.last.Time) {
		return model.Outcome{Verdict: model.Rejected}, nil
	}

	if s.significant(cand.Value) {
		points := s.pretrigger(cand)
		verdict := model.Accepted
		if len(points) > 0 {
			verdict = model.AcceptedWithPretrigger
		}
		points = append(points, cand)
		s.keep(cand)
		return model.Outcome{Verdict: verdict, Points: points}, nil
	}
	if cand.Time.Sub(s.last.Time) >= s.Timeout {
		s.keep(cand)
		return model.Outcome{Verdict: model.Accepted, Points: []model.Sample{cand}}, nil
	}
	s.remember(cand)
	return model.Outcome{Verdict: model.Rejected}, nil
}

func (s *channelState) significant(v float64) bool {
	if s.LowCompare != nil && v < *s.LowCompare {
		return false
	}
	v0 := s.last.Value
	if s.Kind == model.KindLog && v > 0 && v0 > 0 {
		return math.Abs(math.Log10(v)-math.Log10(v0)) >= s.Threshold
	}
	return math.Abs(v-v0) >= s.Threshold
}

// pretrigger returns the rejected samples to emit ahead of cand, oldest first.
func (s *channelState) pretrigger(cand model.Sample) []model.Sample {
	if !s.Pretrigger || s.ringLen == 0 {
		return nil
	}
	newest := s.rejected[s.ringLen-1]
	if !newest.Time.Before(cand.Time) {
		return nil
	}
	out := make([]model.Sample, 0, 3)
	if s.ringLen == 2 && s.rejected[0].Time.Before(newest.Time) {
		out = append(out, s.rejected[0])
	}
	return append(out, newest)
}

func (s *channelState) remember(cand model.Sample) {
	if !s.Pretrigger {
		return
	}
	if s.ringLen > 0 {
		newest := &s.rejected[s.ringLen-1]
		if cand.Time.Equal(newest.Time) {
			// same instant: the later arrival is the one that preceded the next sample
			*newest = cand
			return
		}
		if cand.Time.Before(newest.Time) {
			return
		}
	}
	if s.ringLen < len(s.rejected) {
		s.rejected[s.ringLen] = cand
		s.ringLen++
		return
	}
	s.rejected[0] = s.rejected[1]
	s.rejected[1] = cand
}

func (s *channelState) keep(cand model.Sample) {
	s.last = cand
	s.hasLast = true
	s.ringLen = 0
}
