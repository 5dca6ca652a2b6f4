// Package errors provides examples of structured error handling in vendorflow.
package errors_test

import (
	"fmt"
	"io"
	"time"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

// Example demonstrates basic error creation and wrapping.
func Example() {
	err := errors.New(errors.ErrorTypeValidation, "unknown task type").
		WithDetail("task_type", "sculpting")

	fmt.Println(err.Error())

	// Output:
	// validation: unknown task type
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeData, "failed to decode status payload").
		WithDetail("task_id", "t1")

	if errors.IsType(err, errors.ErrorTypeData) {
		fmt.Println("This is a data error")
	}
	fmt.Println(err)

	// Output:
	// This is a data error
	// data: failed to decode status payload: unexpected EOF
}

// ExampleIsRetryable shows which vendor errors the HTTP layer retries.
func ExampleIsRetryable() {
	throttled := &errors.RateLimitError{StatusCode: 429, RetryAfter: 5 * time.Second}
	serverErr := &errors.RateLimitError{StatusCode: 503, Body: "unavailable"}
	notFound := &errors.APIError{StatusCode: 404, Body: "task not found"}

	fmt.Println(errors.IsRetryable(throttled))
	fmt.Println(errors.IsRetryable(serverErr))
	fmt.Println(errors.IsRetryable(notFound))

	// Output:
	// true
	// true
	// false
}

// Example_pollOutcomes shows that a timeout and a remote failure stay distinguishable.
func Example_pollOutcomes() {
	timeout := &errors.PollTimeoutError{TaskID: "t1", Timeout: 10 * time.Second, Elapsed: 11 * time.Second}
	failed := &errors.TaskFailedError{TaskID: "t2", TaskType: "rigging", Status: "FAILED", Message: "no humanoid detected"}
	wrapped := fmt.Errorf("rig stage: %w", failed)

	fmt.Println(errors.IsPollTimeout(timeout), errors.IsTaskFailed(timeout))
	fmt.Println(errors.IsPollTimeout(wrapped), errors.IsTaskFailed(wrapped))
	fmt.Println(wrapped)

	// Output:
	// true false
	// false true
	// rig stage: rigging task t2 failed: no humanoid detected
}

// ExampleStatusCode demonstrates reading the HTTP status through wrapping.
func ExampleStatusCode() {
	err := errors.Wrap(&errors.APIError{StatusCode: 400, Body: "upstream task not succeeded"},
		errors.ErrorTypeConnection, "create rigging task")

	fmt.Println(errors.StatusCode(err))

	// Output:
	// 400
}
