package agent

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errorClass
	}{
		{"captcha mention", errors.New("handle_captcha: no recaptcha iframe present"), classCaptcha},
		{"required field", errors.New("field url required"), classArgument},
		{"not absolute", errors.New(`handle_url: "foo" is not absolute`), classArgument},
		{"timeout", errors.New("handle_search: context deadline exceeded: timeout"), classTransient},
		{"not found", errors.New("handle_click: no element matched \"submit\": not found"), classTransient},
		{"stale element", errors.New("element is stale"), classTransient},
		{"unrecognized", errors.New("unknown tool handle_foo"), classUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Fatalf("classify(%q) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !classTransient.retryable() {
		t.Fatal("classTransient should be retryable")
	}
	if classArgument.retryable() {
		t.Fatal("classArgument should not be retryable")
	}
	if classCaptcha.retryable() {
		t.Fatal("classCaptcha should not be retryable")
	}
}
