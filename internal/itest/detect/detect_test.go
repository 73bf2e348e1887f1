package detect

import "testing"

func defaultSubstring() *Substring {
	return NewSubstring([]string{DefaultSuccessMarker}, []string{DefaultRateLimitedMarker})
}

func TestSubstring_FindsMarkersAnywhere(t *testing.T) {
	d := defaultSubstring()
	cases := []struct {
		name string
		buf  string
		want Marker
	}{
		{"empty", "", MarkerNone},
		{"noise", "Step 1 of 4: Fetching task...\nStep 2 of 4: Proving task 12\n", MarkerNone},
		{"success line", "Step 4 of 4: Proof submitted successfully for task 12\n", MarkerSuccess},
		{"success without newline", "prefix Step 4 of 4: Proof submitted successfully", MarkerSuccess},
		{"rate limited", "Error: Rate limited - retrying in 30s\n", MarkerRateLimited},
		{"success wins over rate limit", "Rate limited\nStep 4 of 4: Proof submitted successfully\n", MarkerSuccess},
		{"case sensitive", "step 4 of 4: proof submitted successfully\n", MarkerNone},
	}
	for _, tc := range cases {
		if got := d.Scan([]byte(tc.buf)); got != tc.want {
			t.Fatalf("%s: Scan=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestSubstring_IgnoresEmptyMarkers(t *testing.T) {
	d := NewSubstring([]string{""}, []string{""})
	if got := d.Scan([]byte("anything")); got != MarkerNone {
		t.Fatalf("empty markers must not match, got %v", got)
	}
}

func TestPattern_Regexp(t *testing.T) {
	d, err := NewPattern([]string{`Step 4 of 4: Proof submitted successfully for task \d+`}, []string{`(?i)rate[- ]limited`})
	if err != nil {
		t.Fatalf("NewPattern: %v", err)
	}
	if got := d.Scan([]byte("Step 4 of 4: Proof submitted successfully for task 99")); got != MarkerSuccess {
		t.Fatalf("got %v", got)
	}
	if got := d.Scan([]byte("HTTP 429: rate-limited")); got != MarkerRateLimited {
		t.Fatalf("got %v", got)
	}
}

func TestNew_Modes(t *testing.T) {
	if _, err := New("", nil, nil); err != nil {
		t.Fatalf("default mode: %v", err)
	}
	if _, err := New("regexp", []string{"("}, nil); err == nil {
		t.Fatalf("expected compile error for invalid regexp")
	}
	if _, err := New("glob", nil, nil); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestMarker_String(t *testing.T) {
	if MarkerSuccess.String() != "success" || MarkerRateLimited.String() != "rate_limited" || MarkerNone.String() != "none" {
		t.Fatalf("unexpected marker names")
	}
}
