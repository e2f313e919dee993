package connector

import "context"

// Result is the outcome of one transport dispatch. The engine treats the
// transport as opaque: possibly slow, possibly failing, never assumed
// idempotent.
type Result struct {
	Success      bool
	StatusCode   int
	ErrorMessage string
	ResponseBody string
}

// Transport delivers one payload to an external sink. Implementations must
// not retry internally; retry policy belongs to the delivery engine.
type Transport interface {
	Dispatch(ctx context.Context, payload map[string]any, config map[string]any) Result
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, payload map[string]any, config map[string]any) Result

func (f TransportFunc) Dispatch(ctx context.Context, payload map[string]any, config map[string]any) Result {
	return f(ctx, payload, config)
}

func failure(statusCode int, msg string) Result {
	return Result{Success: false, StatusCode: statusCode, ErrorMessage: msg}
}

func configString(config map[string]any, key string) string {
	if config == nil {
		return ""
	}
	s, _ := config[key].(string)
	return s
}
