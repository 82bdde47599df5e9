// Package core holds value types shared across the daemon: the task
// correlation id, and the submission/response envelope shapes exchanged
// on both the client<->daemon and daemon<->worker wire protocols.
package core

// TaskID is a client-generated opaque string, unique per live submission.
type TaskID string

// WorkerID identifies a WorkerProcess for the lifetime of the daemon process.
// It is distinct from the OS pid, which is reused by the kernel across
// worker generations.
type WorkerID uint64

// SubmitType is the only currently defined Submission.Type value. It is
// reserved so that a future wire revision can introduce additional message
// kinds without breaking existing clients.
const SubmitType = "submit"

// Submission is the client -> daemon envelope described in spec section 3.
// Payload and Context are opaque to the daemon: they are forwarded to the
// worker unchanged and never inspected.
type Submission struct {
	Type            string
	TaskID          TaskID
	Payload         []byte
	Context         map[string]any
	EnableBenchmark bool

	// enableBenchmarkSet records whether enable_benchmark was present on the
	// wire, so that codec round-tripping doesn't fabricate the key.
	enableBenchmarkSet bool
}

// SetEnableBenchmark records an explicit enable_benchmark value, marking it
// present so Encode will emit the key.
func (s *Submission) SetEnableBenchmark(v bool) {
	s.EnableBenchmark = v
	s.enableBenchmarkSet = true
}

// EnableBenchmarkSet reports whether enable_benchmark was present on the wire.
func (s *Submission) EnableBenchmarkSet() bool {
	return s.enableBenchmarkSet
}

// Response is the daemon -> client (and worker -> daemon) envelope described
// in spec section 3. Extra holds any top-level keys beyond the ones this
// package understands; per spec section 4.2 these must be forwarded
// verbatim rather than dropped.
type Response struct {
	OK        bool
	TaskID    TaskID
	Result    any
	Error     string
	Benchmark map[string]any
	Extra     map[string]any
}

// Success builds a successful Response.
func Success(taskID TaskID, result any) *Response {
	return &Response{OK: true, TaskID: taskID, Result: result}
}

// Failure builds a failed Response carrying a human-readable error message.
func Failure(taskID TaskID, errMsg string) *Response {
	return &Response{OK: false, TaskID: taskID, Error: errMsg}
}
