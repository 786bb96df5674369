package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_Annotated(t *testing.T) {
	err := E(KindNoProject, "no project connected")
	if got := KindOf(err); got != KindNoProject {
		t.Fatalf("KindOf=%v, want %v", got, KindNoProject)
	}

	wrapped := fmt.Errorf("dispatch: %w", Wrap(KindInvalidArgument, "missing path", nil))
	if got := KindOf(wrapped); got != KindInvalidArgument {
		t.Fatalf("KindOf(wrapped)=%v, want %v", got, KindInvalidArgument)
	}
}

func TestClassify_Typed(t *testing.T) {
	if got := Classify(context.Canceled); got != KindCancelled {
		t.Fatalf("Classify(context.Canceled)=%v, want cancelled", got)
	}
	if got := Classify(context.DeadlineExceeded); got != KindTimeout {
		t.Fatalf("Classify(DeadlineExceeded)=%v, want timeout", got)
	}
}

func TestClassify_Untyped(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"open x.txt: no such file or directory", KindNotFound},
		{"write y.txt: permission denied", KindPermissionDenied},
		{"API error 429: rate limit exceeded", KindTransient},
		{"request timed out after 30s", KindTimeout},
		{"something odd", KindUnknown},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Fatalf("Classify(%q)=%v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(E(KindTransient, "flaky")) {
		t.Fatalf("transient should be retryable")
	}
	if !Retryable(E(KindTimeout, "slow")) {
		t.Fatalf("timeout should be retryable")
	}
	if Retryable(E(KindCancelled, "stop")) {
		t.Fatalf("cancelled must not be retryable")
	}
	if Retryable(E(KindInvalidArgument, "bad")) {
		t.Fatalf("invalid argument must not be retryable")
	}
}
