package image

import (
	"strings"
	"testing"
)

func TestCheckConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfg         ImageConfig
		wantReasons int
	}{
		{
			name:        "conforming image",
			cfg:         ImageConfig{WorkingDir: "/app", Cmd: []string{"/bin/sh"}},
			wantReasons: 0,
		},
		{
			name:        "entrypoint set",
			cfg:         ImageConfig{WorkingDir: "/app", Entrypoint: []string{"/app/predict"}},
			wantReasons: 1,
		},
		{
			name:        "no working directory",
			cfg:         ImageConfig{},
			wantReasons: 1,
		},
		{
			name:        "root working directory",
			cfg:         ImageConfig{WorkingDir: "/"},
			wantReasons: 1,
		},
		{
			name:        "entrypoint and no workdir",
			cfg:         ImageConfig{Entrypoint: []string{"predict"}},
			wantReasons: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reasons := checkConfig(&tt.cfg)
			if len(reasons) != tt.wantReasons {
				t.Errorf("expected %d reasons, got %d: %v", tt.wantReasons, len(reasons), reasons)
			}
		})
	}
}

func TestCheckDockerfile(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantReasons []string
	}{
		{
			name: "conforming dockerfile",
			content: `FROM python:3.11-slim
WORKDIR /app
COPY . .
RUN pip install -r requirements.txt
RUN chmod +x predict`,
			wantReasons: nil,
		},
		{
			name: "cmd directive",
			content: `FROM python:3.11-slim
CMD ["./predict"]`,
			wantReasons: []string{"Dockerfile sets CMD"},
		},
		{
			name: "entrypoint directive lowercase",
			content: `FROM python:3.11-slim
entrypoint ./predict`,
			wantReasons: []string{"Dockerfile sets ENTRYPOINT"},
		},
		{
			name: "commented directives are ignored",
			content: `FROM python:3.11-slim
# CMD ["./predict"]
  # ENTRYPOINT ["./predict"]`,
			wantReasons: nil,
		},
		{
			name: "both directives",
			content: `FROM scratch
ENTRYPOINT ["/predict"]
CMD ["run"]`,
			wantReasons: []string{"Dockerfile sets ENTRYPOINT", "Dockerfile sets CMD"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckDockerfile(tt.content)
			if len(got) != len(tt.wantReasons) {
				t.Fatalf("expected %v, got %v", tt.wantReasons, got)
			}
			for i := range got {
				if got[i] != tt.wantReasons[i] {
					t.Errorf("reason %d: expected %q, got %q", i, tt.wantReasons[i], got[i])
				}
			}
		})
	}
}

func TestViolation_Error(t *testing.T) {
	v := &Violation{
		Image:   "irismodel:1.0.0",
		Reasons: []string{"image sets ENTRYPOINT", "missing executable ./predict"},
	}
	msg := v.Error()
	if !strings.Contains(msg, "irismodel:1.0.0") {
		t.Errorf("error message missing image ref: %s", msg)
	}
	if !strings.Contains(msg, "ENTRYPOINT") || !strings.Contains(msg, "./predict") {
		t.Errorf("error message missing reasons: %s", msg)
	}
}
