package core

import (
	"github.com/b7s/parallited/lib/codec"
	liberrors "github.com/b7s/parallited/lib/errors"
)

const (
	keyType            = "type"
	keyTaskID          = "task_id"
	keyPayload         = "payload"
	keyContext         = "context"
	keyEnableBenchmark = "enable_benchmark"
	keyOK              = "ok"
	keyResult          = "result"
	keyError           = "error"
	keyBenchmark       = "benchmark"
)

// EncodeSubmission renders s as the wire envelope described in spec section 3.
func EncodeSubmission(s *Submission) ([]byte, error) {
	m := map[string]any{
		keyType:    s.Type,
		keyTaskID:  string(s.TaskID),
		keyPayload: s.Payload,
	}
	if s.Context != nil {
		m[keyContext] = s.Context
	}
	if s.enableBenchmarkSet {
		m[keyEnableBenchmark] = s.EnableBenchmark
	}
	return codec.Encode(nil, m)
}

// DecodeSubmission parses a submission envelope. Unknown top-level keys are
// ignored per spec section 4.2.
func DecodeSubmission(data []byte) (*Submission, error) {
	v, n, err := codec.Decode(data)
	if err != nil {
		return nil, liberrors.Decode("failed to decode submission envelope", err)
	}
	if n != len(data) {
		return nil, liberrors.Decode("trailing bytes after submission envelope", nil)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, liberrors.Decode("submission envelope is not a map", nil)
	}

	s := &Submission{}
	if t, ok := m[keyType].(string); ok {
		s.Type = t
	} else {
		return nil, liberrors.Decode("submission missing required string field type", nil)
	}
	if id, ok := m[keyTaskID].(string); ok {
		s.TaskID = TaskID(id)
	} else {
		return nil, liberrors.Decode("submission missing required string field task_id", nil)
	}
	switch payload := m[keyPayload].(type) {
	case []byte:
		s.Payload = payload
	case nil:
		s.Payload = nil
	default:
		return nil, liberrors.Decode("submission field payload is not a byte string", nil)
	}
	if ctx, ok := m[keyContext].(map[string]any); ok {
		s.Context = ctx
	}
	if v, present := m[keyEnableBenchmark]; present {
		b, ok := v.(bool)
		if !ok {
			return nil, liberrors.Decode("submission field enable_benchmark is not a bool", nil)
		}
		s.SetEnableBenchmark(b)
	}
	return s, nil
}

// EncodeResponse renders r as the wire envelope described in spec section 3.
// Extra keys are re-emitted verbatim, so a worker response forwarded through
// the daemon keeps any fields this package does not interpret.
func EncodeResponse(r *Response) ([]byte, error) {
	m := make(map[string]any, len(r.Extra)+4)
	for k, v := range r.Extra {
		m[k] = v
	}
	m[keyOK] = r.OK
	m[keyTaskID] = string(r.TaskID)
	if r.OK {
		m[keyResult] = r.Result
	} else {
		m[keyError] = r.Error
	}
	if r.Benchmark != nil {
		m[keyBenchmark] = r.Benchmark
	}
	return codec.Encode(nil, m)
}

// DecodeResponse parses a response envelope, forwarding any key this package
// does not recognize into Extra so it can be re-emitted verbatim.
func DecodeResponse(data []byte) (*Response, error) {
	v, n, err := codec.Decode(data)
	if err != nil {
		return nil, liberrors.Decode("failed to decode response envelope", err)
	}
	if n != len(data) {
		return nil, liberrors.Decode("trailing bytes after response envelope", nil)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, liberrors.Decode("response envelope is not a map", nil)
	}

	r := &Response{}
	ok, present := m[keyOK].(bool)
	if !present {
		return nil, liberrors.Decode("response missing required bool field ok", nil)
	}
	r.OK = ok
	if id, present := m[keyTaskID].(string); present {
		r.TaskID = TaskID(id)
	} else {
		return nil, liberrors.Decode("response missing required string field task_id", nil)
	}
	if r.OK {
		r.Result = m[keyResult]
	} else if errMsg, present := m[keyError].(string); present {
		r.Error = errMsg
	} else {
		return nil, liberrors.Decode("response is not ok but missing string field error", nil)
	}
	if benchmark, present := m[keyBenchmark].(map[string]any); present {
		r.Benchmark = benchmark
	}

	extra := make(map[string]any)
	for k, v := range m {
		switch k {
		case keyOK, keyTaskID, keyResult, keyError, keyBenchmark:
			continue
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		r.Extra = extra
	}
	return r, nil
}
