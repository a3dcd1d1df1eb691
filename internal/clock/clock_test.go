package clock

import "testing"

func TestNextSameMillisecond(t *testing.T) {
	c := New()
	for i := 0; i < 5; i++ {
		ts := c.Next(1000)
		if ts.LastModified != 1000 || ts.Faddishness != i {
			t.Fatalf("Next(1000) = %+v, want {1000 %d}", ts, i)
		}
	}
	ts := c.Next(1001)
	if ts.LastModified != 1001 || ts.Faddishness != 0 {
		t.Fatalf("Next(1001) = %+v, want {1001 0}", ts)
	}
}

func TestNextClockMovingBackward(t *testing.T) {
	c := New()
	a := c.Next(2000)
	b := c.Next(1500)
	if b.LastModified != 2000 || b.Faddishness != a.Faddishness+1 {
		t.Fatalf("Next(1500) after Next(2000) = %+v, want counter to keep advancing at 2000", b)
	}
	if !IsOlder(a, b) {
		t.Fatalf("IsOlder(%+v, %+v) = false, want true", a, b)
	}
}

func TestIsOlderTotalOrder(t *testing.T) {
	cases := []struct {
		name string
		a, b Timestamp
		want bool
	}{
		{name: "earlier millisecond", a: Timestamp{1, 5}, b: Timestamp{2, 0}, want: true},
		{name: "later millisecond", a: Timestamp{2, 0}, b: Timestamp{1, 5}, want: false},
		{name: "tie broken by counter", a: Timestamp{1, 0}, b: Timestamp{1, 1}, want: true},
		{name: "equal", a: Timestamp{1, 1}, b: Timestamp{1, 1}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsOlder(tc.a, tc.b); got != tc.want {
				t.Fatalf("IsOlder(%+v, %+v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestIsOlderTransitive(t *testing.T) {
	ordered := []Timestamp{{1, 0}, {1, 1}, {1, 2}, {2, 0}, {3, 7}}
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if !IsOlder(ordered[i], ordered[j]) {
				t.Fatalf("IsOlder(%+v, %+v) = false, want true", ordered[i], ordered[j])
			}
			if IsOlder(ordered[j], ordered[i]) {
				t.Fatalf("IsOlder(%+v, %+v) = true, want false", ordered[j], ordered[i])
			}
		}
	}
}
