package checker

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"valuelog/internal/model"
)

var epoch = time.Unix(1700000000, 0)

func at(sec float64) time.Time {
	return epoch.Add(time.Duration(sec * float64(time.Second)))
}

type point struct {
	t float64
	v float64
}

// feed offers the values at 1 Hz starting at t=0 and returns every emitted point.
func feed(t *testing.T, c *Checker, codename string, values ...float64) []point {
	t.Helper()
	pts := make([]point, 0, len(values))
	for i, v := range values {
		pts = append(pts, point{t: float64(i), v: v})
	}
	return feedPoints(t, c, codename, pts)
}

func feedPoints(t *testing.T, c *Checker, codename string, pts []point) []point {
	t.Helper()
	var kept []point
	for _, p := range pts {
		out, err := c.Check(codename, p.v, at(p.t))
		if err != nil {
			t.Fatalf("check %v: %v", p, err)
		}
		for _, s := range out.Points {
			kept = append(kept, point{t: s.Time.Sub(epoch).Seconds(), v: s.Value})
		}
	}
	return kept
}

func mustRegister(t *testing.T, c *Checker, ch Channel) {
	t.Helper()
	if err := c.RegisterChannel(ch); err != nil {
		t.Fatalf("register %s: %v", ch.Codename, err)
	}
}

func equalPoints(a, b []point) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i].t-b[i].t) > 1e-6 || a[i].v != b[i].v {
			return false
		}
	}
	return true
}

func TestLinearThreshold(t *testing.T) {
	c := New()
	if err := c.Register("p1", model.KindLin, 0.1, 60*time.Second); err != nil {
		t.Fatalf("register: %v", err)
	}
	got := feed(t, c, "p1", 0.00, 0.05, 0.11, 0.12, 0.22)
	want := []point{{0, 0.00}, {2, 0.11}, {4, 0.22}}
	if !equalPoints(got, want) {
		t.Fatalf("kept %v, want %v", got, want)
	}
}

func TestTimeoutForcesEmission(t *testing.T) {
	c := New()
	if err := c.Register("t1", model.KindLin, 10, 5*time.Second); err != nil {
		t.Fatalf("register: %v", err)
	}
	got := feedPoints(t, c, "t1", []point{{0, 1}, {1, 1}, {6, 1}})
	want := []point{{0, 1}, {6, 1}}
	if !equalPoints(got, want) {
		t.Fatalf("kept %v, want %v", got, want)
	}
}

func TestLogThreshold(t *testing.T) {
	c := New()
	if err := c.Register("pr", model.KindLog, 0.3, 1e9*time.Second); err != nil {
		t.Fatalf("register: %v", err)
	}
	got := feed(t, c, "pr", 1e-6, 1.2e-6, 2e-6, 2.1e-6, 5e-7)
	want := []point{{0, 1e-6}, {2, 2e-6}, {4, 5e-7}}
	if !equalPoints(got, want) {
		t.Fatalf("kept %v, want %v", got, want)
	}
}

func TestPretriggerEdge(t *testing.T) {
	c := New()
	mustRegister(t, c, Channel{Codename: "e1", Kind: model.KindLin, Threshold: 1, Timeout: 1e9 * time.Second, Pretrigger: true})
	got := feed(t, c, "e1", 0, 0, 0, 0, 5)
	want := []point{{0, 0}, {2, 0}, {3, 0}, {4, 5}}
	if !equalPoints(got, want) {
		t.Fatalf("kept %v, want %v", got, want)
	}
}

func TestPretriggerVerdicts(t *testing.T) {
	c := New()
	mustRegister(t, c, Channel{Codename: "e1", Kind: model.KindLin, Threshold: 1, Timeout: time.Hour, Pretrigger: true})
	out, _ := c.Check("e1", 0, at(0))
	if out.Verdict != model.Accepted {
		t.Fatalf("first sample verdict %s", out.Verdict)
	}
	out, _ = c.Check("e1", 0.5, at(1))
	if out.Verdict != model.Rejected || len(out.Points) != 0 {
		t.Fatalf("expected rejection, got %s with %d points", out.Verdict, len(out.Points))
	}
	out, _ = c.Check("e1", 3, at(2))
	if out.Verdict != model.AcceptedWithPretrigger {
		t.Fatalf("expected pretrigger verdict, got %s", out.Verdict)
	}
	if len(out.Points) != 2 || out.Points[0].Value != 0.5 || out.Points[1].Value != 3 {
		t.Fatalf("unexpected points %v", out.Points)
	}
	// Immediately following acceptance has no rejected history.
	out, _ = c.Check("e1", 10, at(3))
	if out.Verdict != model.Accepted || len(out.Points) != 1 {
		t.Fatalf("expected plain acceptance, got %s with %d points", out.Verdict, len(out.Points))
	}
}

func TestPretriggerKeepsLatestOfSameInstant(t *testing.T) {
	c := New()
	mustRegister(t, c, Channel{Codename: "e3", Kind: model.KindLin, Threshold: 1, Timeout: time.Hour, Pretrigger: true})
	got := feedPoints(t, c, "e3", []point{{0, 0}, {1, 0.1}, {2, 0.2}, {2, 0.3}, {3, 5}})
	want := []point{{0, 0}, {1, 0.1}, {2, 0.3}, {3, 5}}
	if !equalPoints(got, want) {
		t.Fatalf("kept %v, want %v", got, want)
	}
}

func TestSimpleModeOmitsPretrigger(t *testing.T) {
	c := New()
	mustRegister(t, c, Channel{Codename: "s1", Kind: model.KindLin, Threshold: 1, Timeout: time.Hour})
	got := feed(t, c, "s1", 0, 0, 0, 0, 5)
	want := []point{{0, 0}, {4, 5}}
	if !equalPoints(got, want) {
		t.Fatalf("kept %v, want %v", got, want)
	}
}

func TestTimeoutAcceptanceHasNoPretrigger(t *testing.T) {
	c := New()
	mustRegister(t, c, Channel{Codename: "e2", Kind: model.KindLin, Threshold: 100, Timeout: 3 * time.Second, Pretrigger: true})
	got := feed(t, c, "e2", 1, 1, 1, 1)
	want := []point{{0, 1}, {3, 1}}
	if !equalPoints(got, want) {
		t.Fatalf("kept %v, want %v", got, want)
	}
}

func TestExactlyAtThresholdIsAccepted(t *testing.T) {
	c := New()
	mustRegister(t, c, Channel{Codename: "lin", Kind: model.KindLin, Threshold: 0.5, Timeout: time.Hour})
	mustRegister(t, c, Channel{Codename: "log", Kind: model.KindLog, Threshold: 1, Timeout: time.Hour})
	mustRegister(t, c, Channel{Codename: "tmo", Kind: model.KindLin, Threshold: 100, Timeout: 2 * time.Second})

	if got := feed(t, c, "lin", 1.0, 1.5); len(got) != 2 {
		t.Fatalf("lin: expected exact threshold acceptance, kept %v", got)
	}
	if got := feed(t, c, "log", 1, 10); len(got) != 2 {
		t.Fatalf("log: expected exact threshold acceptance, kept %v", got)
	}
	if got := feedPoints(t, c, "tmo", []point{{0, 1}, {2, 1}}); len(got) != 2 {
		t.Fatalf("timeout: expected acceptance at exactly timeout, kept %v", got)
	}
}

func TestLogFallsBackToLinearAcrossZero(t *testing.T) {
	c := New()
	mustRegister(t, c, Channel{Codename: "up", Kind: model.KindLog, Threshold: 0.5, Timeout: time.Hour})
	mustRegister(t, c, Channel{Codename: "down", Kind: model.KindLog, Threshold: 0.5, Timeout: time.Hour})

	// Negative to positive: raw difference decides.
	got := feed(t, c, "up", -0.2, 0.2, 0.4)
	want := []point{{0, -0.2}, {2, 0.4}}
	if !equalPoints(got, want) {
		t.Fatalf("up: kept %v, want %v", got, want)
	}
	// Positive to non-positive.
	got = feed(t, c, "down", 0.3, 0, -0.3)
	want = []point{{0, 0.3}, {2, -0.3}}
	if !equalPoints(got, want) {
		t.Fatalf("down: kept %v, want %v", got, want)
	}
}

func TestLowCompareDisablesValueTrigger(t *testing.T) {
	c := New()
	low := 1.0
	mustRegister(t, c, Channel{Codename: "lc", Kind: model.KindLin, Threshold: 0.1, Timeout: 10 * time.Second, LowCompare: &low})
	got := feedPoints(t, c, "lc", []point{{0, 5}, {1, 0.5}, {2, 0.1}, {11, 0.2}})
	want := []point{{0, 5}, {11, 0.2}}
	if !equalPoints(got, want) {
		t.Fatalf("kept %v, want %v", got, want)
	}
}

func TestCheckErrors(t *testing.T) {
	c := New()
	mustRegister(t, c, Channel{Codename: "x", Kind: model.KindLin, Threshold: 1, Timeout: time.Minute})

	if _, err := c.Check("nope", 1, at(0)); !errors.Is(err, ErrUnknownCodename) {
		t.Fatalf("expected ErrUnknownCodename, got %v", err)
	}
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := c.Check("x", v, at(0)); !errors.Is(err, ErrValue) {
			t.Fatalf("expected ErrValue for %v, got %v", v, err)
		}
	}
	if _, ok := c.GetLast("x"); ok {
		t.Fatalf("non-finite values must not create history")
	}
	if _, err := c.Check("x", 1, at(10)); err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, err := c.Check("x", 5, at(9)); !errors.Is(err, ErrOrder) {
		t.Fatalf("expected ErrOrder, got %v", err)
	}
	out, err := c.Check("x", 50, at(10))
	if err != nil || out.Verdict != model.Rejected {
		t.Fatalf("same timestamp must be rejected, got %s %v", out.Verdict, err)
	}
	last, ok := c.GetLast("x")
	if !ok || last.Value != 1 || !last.Time.Equal(at(10)) {
		t.Fatalf("unexpected last sample %+v", last)
	}
}

func TestRegisterValidation(t *testing.T) {
	c := New()
	cases := []Channel{
		{Codename: "", Kind: model.KindLin, Threshold: 1, Timeout: time.Second},
		{Codename: "a", Kind: "cubic", Threshold: 1, Timeout: time.Second},
		{Codename: "a", Kind: model.KindLin, Threshold: 0, Timeout: time.Second},
		{Codename: "a", Kind: model.KindLin, Threshold: math.NaN(), Timeout: time.Second},
		{Codename: "a", Kind: model.KindLin, Threshold: 1, Timeout: 0},
	}
	for _, ch := range cases {
		if err := c.RegisterChannel(ch); !errors.Is(err, ErrConfig) {
			t.Fatalf("expected ErrConfig for %+v, got %v", ch, err)
		}
	}
	mustRegister(t, c, Channel{Codename: "a", Kind: model.KindLin, Threshold: 1, Timeout: time.Second})
	if err := c.Register("a", model.KindLog, 1, time.Second); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected duplicate ErrConfig, got %v", err)
	}
	mustRegister(t, c, Channel{Codename: "b", Kind: model.KindLog, Threshold: 1, Timeout: time.Second})
	names := c.Codenames()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected codenames %v", names)
	}
}

func TestCheckNowUsesClock(t *testing.T) {
	now := at(100)
	c := New(WithClock(func() time.Time { return now }))
	mustRegister(t, c, Channel{Codename: "n", Kind: model.KindLin, Threshold: 1, Timeout: time.Minute})
	out, err := c.CheckNow("n", 3)
	if err != nil || out.Verdict != model.Accepted {
		t.Fatalf("first CheckNow: %s %v", out.Verdict, err)
	}
	if !out.Points[0].Time.Equal(now) {
		t.Fatalf("expected clock time, got %s", out.Points[0].Time)
	}
}

func significantLin(prev, cur, threshold float64) bool {
	return math.Abs(cur-prev) >= threshold
}

func TestKeptSequenceProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		threshold := 0.5 + rng.Float64()*2
		timeout := time.Duration(5+rng.Intn(20)) * time.Second

		simple := New()
		mustRegister(t, simple, Channel{Codename: "s", Kind: model.KindLin, Threshold: threshold, Timeout: timeout})
		elaborate := New()
		mustRegister(t, elaborate, Channel{Codename: "e", Kind: model.KindLin, Threshold: threshold, Timeout: timeout, Pretrigger: true})

		var input []point
		tm, v := 0.0, 0.0
		for i := 0; i < 200; i++ {
			tm += 0.25 + rng.Float64()*2
			v += rng.NormFloat64() * 0.4
			input = append(input, point{t: tm, v: v})
		}

		kept := feedPoints(t, simple, "s", input)
		assertSubsequence(t, input, kept)
		for i := 1; i < len(kept); i++ {
			if kept[i].t <= kept[i-1].t {
				t.Fatalf("times not strictly increasing at %d", i)
			}
			dt := time.Duration((kept[i].t - kept[i-1].t) * float64(time.Second))
			if !significantLin(kept[i-1].v, kept[i].v, threshold) && dt < timeout-time.Millisecond {
				t.Fatalf("kept %v after %v without significance or timeout", kept[i], kept[i-1])
			}
		}

		var ek []point
		for idx, p := range input {
			out, err := elaborate.Check("e", p.v, at(p.t))
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			for _, s := range out.Points {
				ek = append(ek, point{t: s.Time.Sub(epoch).Seconds(), v: s.Value})
			}
			if out.Verdict == model.AcceptedWithPretrigger {
				pre := out.Points[:len(out.Points)-1]
				if pre[len(pre)-1].Value != input[idx-1].v {
					t.Fatalf("pretrigger must end with the immediately preceding sample")
				}
			}
		}
		assertSubsequence(t, input, ek)
		for i := 1; i < len(ek); i++ {
			if ek[i].t <= ek[i-1].t {
				t.Fatalf("elaborate times not strictly increasing at %d", i)
			}
		}
	}
}

func assertSubsequence(t *testing.T, input, kept []point) {
	t.Helper()
	j := 0
	for _, p := range input {
		if j < len(kept) && equalPoints([]point{p}, kept[j:j+1]) {
			j++
		}
	}
	if j != len(kept) {
		t.Fatalf("kept sequence is not a subsequence of the input (%d of %d matched)", j, len(kept))
	}
}
