package telemetry

import (
	"bytes"
	"errors"
	"log"
	"path/filepath"
	"strings"
	"testing"
)

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	sink, err := OpenSQLite(path, "run-a")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer sink.Close()

	for step, acc := range []float64{0.5, 0.75} {
		err := sink.Scalars("performance/accuracy", map[string]float64{
			"valid_one-shot":   acc,
			"valid_multi-shot": acc + 0.1,
		}, (step+1)*100)
		if err != nil {
			t.Fatalf("Scalars: %v", err)
		}
	}

	got, err := sink.Series("performance/accuracy", "valid_one-shot")
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	want := []Point{{100, 0.5}, {200, 0.75}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("point %d = %v, want %v", i, got[i], want[i])
		}
	}

	// A second run in the same file sees only its own rows.
	other, err := OpenSQLite(path, "run-b")
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if pts, _ := other.Series("performance/accuracy", "valid_one-shot"); len(pts) != 0 {
		t.Errorf("run-b sees %d rows of run-a", len(pts))
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := LogSink{Logger: log.New(&buf, "", 0)}
	if err := s.Scalars("mutual_information/train", map[string]float64{"I(Z;Y)": 1.5, "I(Z;X)": 0.25}, 7); err != nil {
		t.Fatal(err)
	}
	want := "[7] mutual_information/train I(Z;X)=0.2500 I(Z;Y)=1.5000\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

type countingSink struct {
	calls int
	err   error
}

func (c *countingSink) Scalars(string, map[string]float64, int) error {
	c.calls++
	return c.err
}

func TestMulti(t *testing.T) {
	failing := &countingSink{err: errors.New("boom")}
	ok := &countingSink{}
	err := Multi(failing, ok).Scalars("t", map[string]float64{"k": 1}, 1)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("err = %v, want boom", err)
	}
	if failing.calls != 1 || ok.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", failing.calls, ok.calls)
	}
}
