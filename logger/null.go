package logger

// NullLogger discards all log output. It is the default when no logger is configured.
type NullLogger struct{}

func NewNullLogger() *NullLogger { return &NullLogger{} }

func (NullLogger) Debug(msg string, keyvals ...any) {}
func (NullLogger) Info(msg string, keyvals ...any)  {}
func (NullLogger) Warn(msg string, keyvals ...any)  {}
func (NullLogger) Error(msg string, keyvals ...any) {}
