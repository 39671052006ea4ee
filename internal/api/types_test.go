package api

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDuration_MarshalJSON(t *testing.T) {
	d := Duration{Duration: 10 * time.Second}
	b, err := d.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `"10s"`
	if string(b) != want {
		t.Errorf("MarshalJSON() = %s, want %s", b, want)
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"10s"`, 10 * time.Second, false},
		{`"500ms"`, 500 * time.Millisecond, false},
		{`"2m"`, 2 * time.Minute, false},
		{`"not-a-duration"`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if (err != nil) != tt.wantErr {
				t.Errorf("UnmarshalJSON(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && d.Duration != tt.want {
				t.Errorf("UnmarshalJSON(%s) = %s, want %s", tt.input, d.Duration, tt.want)
			}
		})
	}
}

func TestRegisterRequest_AlignedOutputOmitted(t *testing.T) {
	var req RegisterRequest
	if err := json.Unmarshal([]byte(`{"image": "irismodel:1.0.0"}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.AlignedOutput != nil {
		t.Error("omitted aligned_output should stay nil so the default applies")
	}

	if err := json.Unmarshal([]byte(`{"image": "g:1", "aligned_output": false}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.AlignedOutput == nil || *req.AlignedOutput {
		t.Error("explicit aligned_output=false should be preserved")
	}
}
