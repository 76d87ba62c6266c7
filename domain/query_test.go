package domain

import "testing"

func TestGenerateKeyDeterministic(t *testing.T) {
	q := &Query{
		Platform:        "LANDSAT_7",
		Product:         "ls7_ledaps_kenya",
		LatitudeMin:     0.1,
		LatitudeMax:     0.3,
		LongitudeMin:    35.0,
		LongitudeMax:    35.2,
		SceneIndex:      7,
		BaselineMonths:  []int{3, 1, 2},
		CompositeMethod: "median",
	}
	want := "7-0.3000-0.1000-35.2000-35.0000-median-LANDSAT_7-ls7_ledaps_kenya-1-2-3"
	if got := q.GenerateKey(); got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

func TestGenerateKeyMonthOrderInsensitive(t *testing.T) {
	a := &Query{Platform: "p", Product: "d", SceneIndex: 1, BaselineMonths: []int{12, 1, 6}}
	b := &Query{Platform: "p", Product: "d", SceneIndex: 1, BaselineMonths: []int{6, 12, 1}}
	if a.GenerateKey() != b.GenerateKey() {
		t.Fatalf("month order changed key: %q vs %q", a.GenerateKey(), b.GenerateKey())
	}
}

func TestGenerateKeyDoesNotMutateMonths(t *testing.T) {
	q := &Query{BaselineMonths: []int{9, 2}}
	q.GenerateKey()
	if q.BaselineMonths[0] != 9 || q.BaselineMonths[1] != 2 {
		t.Fatalf("months mutated: %v", q.BaselineMonths)
	}
}

func TestResultStatusTerminal(t *testing.T) {
	cases := map[ResultStatus]bool{
		ResultStatusWaiting:   false,
		ResultStatusOK:        true,
		ResultStatusError:     true,
		ResultStatusCancelled: true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}
